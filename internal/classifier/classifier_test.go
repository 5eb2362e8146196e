package classifier_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/newpr-stacker/engine/internal/classifier"
)

type fakeClassifier struct {
	resp classifier.Response
	err  error
}

func (f fakeClassifier) Classify(context.Context, classifier.Request) (classifier.Response, error) {
	return f.resp, f.err
}

func TestResolve_CompleteOwnershipPassesThrough(t *testing.T) {
	fc := fakeClassifier{resp: classifier.Response{Ownership: map[string]string{"a.go": "group-a", "b.go": "group-b"}}}
	r := classifier.New(fc, "")

	result, err := r.Resolve(context.Background(), classifier.Request{ChangedPaths: []string{"a.go", "b.go"}})
	require.NoError(t, err)
	require.Empty(t, result.Warning)
	require.Equal(t, "group-a", result.Ownership["a.go"])
	require.Equal(t, "group-b", result.Ownership["b.go"])
}

func TestResolve_PartialOwnershipFallsBackWithWarning(t *testing.T) {
	fc := fakeClassifier{resp: classifier.Response{Ownership: map[string]string{"a.go": "group-a"}}}
	r := classifier.New(fc, "misc")

	result, err := r.Resolve(context.Background(), classifier.Request{ChangedPaths: []string{"a.go", "b.go"}})
	require.NoError(t, err)
	require.NotEmpty(t, result.Warning)
	require.Equal(t, "group-a", result.Ownership["a.go"])
	require.Equal(t, "misc", result.Ownership["b.go"])
}

func TestResolve_ClassifierErrorFallsBackAll(t *testing.T) {
	fc := fakeClassifier{err: errors.New("boom")}
	r := classifier.New(fc, "misc")

	result, err := r.Resolve(context.Background(), classifier.Request{ChangedPaths: []string{"a.go", "b.go"}})
	require.NoError(t, err)
	require.NotEmpty(t, result.Warning)
	require.Equal(t, "misc", result.Ownership["a.go"])
	require.Equal(t, "misc", result.Ownership["b.go"])
}

func TestResolve_DefaultFallbackGroupName(t *testing.T) {
	fc := fakeClassifier{err: errors.New("boom")}
	r := classifier.New(fc, "")

	result, err := r.Resolve(context.Background(), classifier.Request{ChangedPaths: []string{"a.go"}})
	require.NoError(t, err)
	require.Equal(t, "unclassified", result.Ownership["a.go"])
}

func TestResolve_NilClassifierFallsBackAll(t *testing.T) {
	r := classifier.New(nil, "misc")

	result, err := r.Resolve(context.Background(), classifier.Request{ChangedPaths: []string{"a.go", "b.go"}})
	require.NoError(t, err)
	require.NotEmpty(t, result.Warning)
	require.Equal(t, "misc", result.Ownership["a.go"])
	require.Equal(t, "misc", result.Ownership["b.go"])
}
