package contentstore

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	apperrors "github.com/charlesng35/credledger/pkg/errors"
)

func TestIPFSStoreUpload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v0/add", r.URL.Path)
		require.Equal(t, "true", r.URL.Query().Get("pin"))

		file, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		content, err := io.ReadAll(file)
		require.NoError(t, err)
		require.Equal(t, "%PDF-1.7 body", string(content))
		require.Equal(t, "cred-1.pdf", hdr.Filename)
		require.Equal(t, "application/pdf", hdr.Header.Get("Content-Type"))

		_, _ = w.Write([]byte(`{"Name":"cred-1.pdf","Hash":"bafybeicid","Size":"13"}`))
	}))
	defer srv.Close()

	store, err := NewIPFSStore(srv.URL, time.Second, WithGatewayURL("https://gw.example.com/ipfs/"))
	require.NoError(t, err)

	obj, err := store.Upload(context.Background(), []byte("%PDF-1.7 body"), "cred-1.pdf", "application/pdf")
	require.NoError(t, err)
	require.Equal(t, "bafybeicid", obj.Ref)
	require.Equal(t, "https://gw.example.com/ipfs/bafybeicid", obj.URL)
	require.EqualValues(t, 13, obj.Size)
}

func TestIPFSStoreUploadFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "node offline", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	store, err := NewIPFSStore(srv.URL, time.Second)
	require.NoError(t, err)

	_, err = store.Upload(context.Background(), []byte("data"), "x.pdf", "")
	require.ErrorIs(t, err, apperrors.ErrTransient)

	_, err = store.Upload(context.Background(), nil, "x.pdf", "")
	require.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestDefaultGatewayURL(t *testing.T) {
	store, err := NewIPFSStore("http://127.0.0.1:5001", 0)
	require.NoError(t, err)
	require.Equal(t, DefaultGatewayURL+"/bafy", store.GatewayURL("bafy"))

	_, err = NewIPFSStore("", 0)
	require.Error(t, err)
}
