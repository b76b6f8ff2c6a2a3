package models

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestListFallsBackWhenFetchFails(t *testing.T) {
	c := New(func(context.Context) ([]Entry, error) {
		return nil, errors.New("upstream down")
	}, time.Minute)

	list := c.List(context.Background())
	require.NotEmpty(t, list)
	require.Equal(t, "gemini-2.5-pro", list[0].ID, "static fallback served")
}

func TestListCachesWithinTTL(t *testing.T) {
	calls := 0
	c := New(func(context.Context) ([]Entry, error) {
		calls++
		return []Entry{{ID: "m1"}}, nil
	}, time.Minute)

	c.List(context.Background())
	c.List(context.Background())
	require.Equal(t, 1, calls)
}

func TestListKeepsLastGoodOnFailure(t *testing.T) {
	fail := false
	c := New(func(context.Context) ([]Entry, error) {
		if fail {
			return nil, errors.New("flaky")
		}
		return []Entry{{ID: "live-model"}}, nil
	}, time.Nanosecond)

	require.Equal(t, "live-model", c.List(context.Background())[0].ID)
	fail = true
	time.Sleep(time.Millisecond)
	require.Equal(t, "live-model", c.List(context.Background())[0].ID, "last good list retained")
}

func TestOpenAIListShape(t *testing.T) {
	c := New(nil, 0)
	out := c.OpenAIList(context.Background())
	require.Equal(t, "list", out["object"])
	data, ok := out["data"].([]interface{})
	require.True(t, ok)
	require.NotEmpty(t, data)
	first := data[0].(map[string]interface{})
	require.Equal(t, "model", first["object"])
	require.Equal(t, "google", first["owned_by"])
}
