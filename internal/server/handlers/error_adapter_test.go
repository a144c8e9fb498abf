package handlers

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetHTTPErrorResponder(t *testing.T) {
	t.Cleanup(func() { SetHTTPErrorResponder(nil) })

	var captured error
	SetHTTPErrorResponder(func(w http.ResponseWriter, r *http.Request, err error) {
		captured = err
		w.WriteHeader(http.StatusTeapot)
	})

	boom := errors.New("boom")
	rec := httptest.NewRecorder()
	respondWithError(rec, httptest.NewRequest(http.MethodGet, "/", nil), boom)
	require.ErrorIs(t, captured, boom)
	assert.Equal(t, http.StatusTeapot, rec.Code)

	SetHTTPErrorResponder(nil)
	captured = nil
	rec = httptest.NewRecorder()
	respondWithError(rec, httptest.NewRequest(http.MethodGet, "/", nil), boom)
	assert.Nil(t, captured, "nil restores the default responder")
	assert.NotEqual(t, http.StatusTeapot, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error"`)
}
