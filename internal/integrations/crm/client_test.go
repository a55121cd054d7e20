package crm

import (
	"context"
	"net/http"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestNewStatusError_Classification(t *testing.T) {
	cases := map[int]bool{
		http.StatusBadRequest:          false,
		http.StatusUnauthorized:        false,
		http.StatusNotFound:            false,
		http.StatusUnprocessableEntity: false,
		http.StatusRequestTimeout:      true,
		http.StatusTooManyRequests:     true,
		http.StatusInternalServerError: true,
		http.StatusBadGateway:          true,
	}
	for code, transient := range cases {
		e := NewStatusError(code, "", "")
		require.Equal(t, transient, e.Transient, code)
		require.Equal(t, transient, IsTransient(errors.Wrap(e, "create quote")), code)
	}
}

func TestRemoteError_Message(t *testing.T) {
	require.Equal(t, "crm http 422 (INVALID_DATA): bad email", NewStatusError(422, "INVALID_DATA", "bad email").Error())
	require.Equal(t, "crm http 500: Internal Server Error", NewStatusError(500, "", "").Error())
	require.Equal(t, "crm: dial tcp: refused", NewNetworkError(errors.New("dial tcp: refused")).Error())
}

func TestIsNotFound(t *testing.T) {
	require.True(t, IsNotFound(errors.Wrap(NewStatusError(404, "", ""), "get")))
	require.False(t, IsNotFound(NewStatusError(400, "", "")))
	require.False(t, IsNotFound(errors.New("x")))
}

func TestStaticToken(t *testing.T) {
	tok, err := StaticToken("abc").Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "abc", tok)
}
