package assetproxy

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func adminDo(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	return serve(h, req)
}

func TestAdmin_Status(t *testing.T) {
	svc := newTestService(t, newSiteOrigin(t).URL)
	serve(svc.Handler(), httptest.NewRequest(http.MethodGet, "/statics/app.js", nil))

	rec := adminDo(t, svc.AdminHandler(), http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var st Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "site-v1", st.Version)
	assert.Equal(t, "activated", st.State)
	assert.Equal(t, 5, st.Precached)
	assert.Empty(t, st.PrecacheError)
	assert.Equal(t, []string{"site-v1"}, st.Generations)
	assert.Equal(t, uint64(1), st.Stats.Outcomes["hit"])
}

func TestAdmin_GenerationsAndKeys(t *testing.T) {
	svc := newTestService(t, newSiteOrigin(t).URL)
	h := svc.AdminHandler()

	rec := adminDo(t, h, http.MethodGet, "/generations", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var gens struct {
		Current     string   `json:"current"`
		Generations []string `json:"generations"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &gens))
	assert.Equal(t, "site-v1", gens.Current)
	assert.Equal(t, []string{"site-v1"}, gens.Generations)

	rec = adminDo(t, h, http.MethodGet, "/generations/current/keys", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var keys struct {
		Keys []string `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &keys))
	assert.Len(t, keys.Keys, 5)
	for _, k := range keys.Keys {
		assert.True(t, strings.HasPrefix(k, "GET "+svc.cfg.Server.Origin+"/"), k)
	}
}

func TestAdmin_Clients(t *testing.T) {
	svc := newTestService(t, newSiteOrigin(t).URL)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	serve(svc.Handler(), req)

	rec := adminDo(t, svc.AdminHandler(), http.MethodGet, "/clients", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Clients []Client `json:"clients"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Clients, 1)
	assert.Equal(t, "site-v1", body.Clients[0].Controller)
}

func TestAdmin_UpdateActivatesNewGeneration(t *testing.T) {
	svc := newTestService(t, newSiteOrigin(t).URL)
	h := svc.AdminHandler()

	rec := adminDo(t, h, http.MethodPost, "/update", `{"version":"site-v2"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var st Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "site-v2", st.Version)
	assert.Equal(t, []string{"site-v2"}, st.Generations)

	got, ok, err := svc.Proxy().Match(t.Context(), "/statics/styles.css")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "body{color:#0ff}", string(got.Body))
}

func TestAdmin_UpdateRejectsBadInput(t *testing.T) {
	svc := newTestService(t, newSiteOrigin(t).URL)
	h := svc.AdminHandler()

	tests := []struct {
		name string
		body string
	}{
		{"not json", `version=site-v2`},
		{"missing version", `{"manifest":["/"]}`},
		{"fallback outside manifest", `{"version":"site-v2","fallback":"/nowhere.html"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := adminDo(t, h, http.MethodPost, "/update", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
	assert.Equal(t, "site-v1", svc.Proxy().Active().Version().Label)
}
