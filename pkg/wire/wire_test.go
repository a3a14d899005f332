package wire_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/lightforgemedia/go-supportchat/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type greeting struct {
	Name string `json:"name"`
}

type reply struct {
	Text string `json:"text"`
}

type peer struct{ id string }

func TestNewEnvelopePayloads(t *testing.T) {
	t.Run("nil payload stays empty", func(t *testing.T) {
		env, err := wire.NewEnvelope("1", wire.TypeRequest, "chat:start", nil, nil)
		require.NoError(t, err)
		assert.False(t, env.HasPayload())

		var g greeting
		require.NoError(t, env.DecodePayload(&g))
		assert.Empty(t, g.Name)
	})

	t.Run("raw payload is passed through", func(t *testing.T) {
		raw := json.RawMessage(`{"name":"ann"}`)
		env, err := wire.NewEnvelope("", wire.TypePublish, "t", raw, nil)
		require.NoError(t, err)
		assert.JSONEq(t, `{"name":"ann"}`, string(env.Payload))
	})

	t.Run("struct payload is marshalled", func(t *testing.T) {
		env, err := wire.NewEnvelope("", wire.TypePublish, "t", greeting{Name: "bob"}, nil)
		require.NoError(t, err)
		var g greeting
		require.NoError(t, env.DecodePayload(&g))
		assert.Equal(t, "bob", g.Name)
	})

	t.Run("unmarshallable payload fails", func(t *testing.T) {
		_, err := wire.NewEnvelope("", wire.TypePublish, "t", make(chan int), nil)
		require.Error(t, err)
	})
}

func TestEnvelopeErr(t *testing.T) {
	env := wire.NewErrorEnvelope("7", "chat:resume", http.StatusNotFound, "unknown chat")
	err := env.Err()
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, wire.StatusCode(err))
	assert.Equal(t, http.StatusNotFound, wire.StatusCode(fmt.Errorf("resume: %w", err)))

	ok, _ := wire.NewEnvelope("7", wire.TypeResponse, "chat:resume", nil, nil)
	assert.NoError(t, ok.Err())
}

func TestToPayload(t *testing.T) {
	p := wire.ToPayload(wire.Errorf(http.StatusConflict, "chat %s ended", "c1"))
	assert.Equal(t, http.StatusConflict, p.Code)
	assert.Equal(t, "chat c1 ended", p.Message)

	p = wire.ToPayload(errors.New("boom"))
	assert.Equal(t, http.StatusInternalServerError, p.Code)
}

func TestIDs(t *testing.T) {
	a, b := wire.NewID(), wire.NewID()
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 36)

	tmp := wire.NewTempID()
	assert.True(t, strings.HasPrefix(tmp, wire.TempIDPrefix))
}

func TestHandlerSignatures(t *testing.T) {
	valid := []any{
		func(greeting) error { return nil },
		func(*greeting) (reply, error) { return reply{}, nil },
		func(*peer, greeting) (reply, error) { return reply{}, nil },
		func(*peer, greeting) error { return nil },
	}
	for _, fn := range valid {
		_, err := wire.NewHandler(fn)
		assert.NoError(t, err, "%T", fn)
	}

	invalid := []any{
		"not a func",
		func(greeting) {},
		func(greeting) string { return "" },
		func() error { return nil },
		func(a, b, c greeting) error { return nil },
		func(any) error { return nil },
	}
	for _, fn := range invalid {
		_, err := wire.NewHandler(fn)
		assert.Error(t, err, "%T", fn)
	}
}

func TestHandlerCall(t *testing.T) {
	h, err := wire.NewHandler(func(p *peer, g *greeting) (reply, error) {
		if g.Name == "" {
			return reply{}, wire.Errorf(http.StatusBadRequest, "name required")
		}
		return reply{Text: p.id + ":" + g.Name}, nil
	})
	require.NoError(t, err)

	env, _ := wire.NewEnvelope("1", wire.TypeRequest, "hi", greeting{Name: "ann"}, nil)
	resp, err := h.Call(&peer{id: "c1"}, env)
	require.NoError(t, err)
	assert.Equal(t, reply{Text: "c1:ann"}, resp)

	empty, _ := wire.NewEnvelope("2", wire.TypeRequest, "hi", nil, nil)
	_, err = h.Call(&peer{id: "c1"}, empty)
	assert.Equal(t, http.StatusBadRequest, wire.StatusCode(err))

	bad := &wire.Envelope{ID: "3", Type: wire.TypeRequest, Topic: "hi", Payload: json.RawMessage(`{"name":5}`)}
	_, err = h.Call(&peer{id: "c1"}, bad)
	assert.Equal(t, http.StatusBadRequest, wire.StatusCode(err))
}

func TestHandlerCallWithoutResponse(t *testing.T) {
	var got string
	h, err := wire.NewHandler(func(g greeting) error {
		got = g.Name
		return nil
	})
	require.NoError(t, err)

	env, _ := wire.NewEnvelope("", wire.TypePublish, "hi", greeting{Name: "zed"}, nil)
	resp, err := h.Call(nil, env)
	require.NoError(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, "zed", got)
}
