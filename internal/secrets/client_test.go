package secrets

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSecretString(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/secret_string/db_password", r.URL.Path)
		_ = json.NewEncoder(w).Encode(SecretString{
			EncryptedData: "c2VhbGVk",
			Nonce:         "bm9uY2U=",
		})
	}))
	defer srv.Close()

	c := newClientForTest(srv.URL)
	got, err := c.GetSecretString(context.Background(), "db_password")
	require.NoError(t, err)
	assert.Equal(t, "c2VhbGVk", got.EncryptedData)
	assert.Equal(t, "bm9uY2U=", got.Nonce)
}

func TestGetSecretString_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newClientForTest(srv.URL)
	_, err := c.GetSecretString(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateSecretString(t *testing.T) {
	var got putSecretRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/secret_string/app_dek", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := newClientForTest(srv.URL)
	err := c.CreateSecretString(context.Background(), "app_dek", "ZGF0YQ==", "bm9uY2U=", "c3Vt")
	require.NoError(t, err)
	assert.Equal(t, "ZGF0YQ==", got.EncryptedData)
	assert.Equal(t, "bm9uY2U=", got.Nonce)
	assert.Equal(t, "c3Vt", got.SHA256)
}

func TestCreateSecretString_Tombstoned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	c := newClientForTest(srv.URL)
	err := c.CreateSecretString(context.Background(), "dead_name", "ZA==", "bg==", "cw==")
	assert.ErrorIs(t, err, ErrConflict)
}

func TestUploadDownloadFile(t *testing.T) {
	content := []byte("encrypted dump bytes")
	var uploaded []byte
	var nonce, sum string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			require.NoError(t, r.ParseMultipartForm(1<<20))
			f, _, err := r.FormFile("file")
			require.NoError(t, err)
			defer f.Close()
			uploaded, err = io.ReadAll(f)
			require.NoError(t, err)
			nonce = r.FormValue("nonce_b64")
			sum = r.FormValue("sha256_b64")
			w.WriteHeader(http.StatusCreated)
		case http.MethodGet:
			_, _ = w.Write(content)
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	src := filepath.Join(dir, "dump.enc")
	require.NoError(t, os.WriteFile(src, content, 0o600))

	c := newClientForTest(srv.URL)
	require.NoError(t, c.UploadFile(context.Background(), "backup", src, "bm9uY2U=", "c3Vt"))
	assert.Equal(t, content, uploaded)
	assert.Equal(t, "bm9uY2U=", nonce)
	assert.Equal(t, "c3Vt", sum)

	dst := filepath.Join(dir, "restored.enc")
	require.NoError(t, c.DownloadFile(context.Background(), "backup", dst))
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestPurge(t *testing.T) {
	var path, method string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		method = r.Method
	}))
	defer srv.Close()

	c := newClientForTest(srv.URL)
	require.NoError(t, c.Purge(context.Background(), "old_dek"))
	assert.Equal(t, http.MethodDelete, method)
	assert.Equal(t, "/purge/old_dek", path)
}

func TestUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // refuse connections

	c := newClientForTest(srv.URL)
	_, err := c.GetSecretString(context.Background(), "anything")
	assert.ErrorIs(t, err, ErrUnavailable)
}
