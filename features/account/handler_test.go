package account

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hivediscover/backend/features/content"
)

func newTestMux(h *Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /accounts/{name}/feed", h.GetFeed)
	mux.HandleFunc("POST /accounts/{name}/feed", h.RequestFeed)
	mux.HandleFunc("POST /accounts/{name}/analyze", h.RequestAnalysis)
	mux.HandleFunc("GET /accounts/{name}/profile", h.Profile)
	mux.HandleFunc("POST /accounts/{name}/ban", h.Ban)
	mux.HandleFunc("DELETE /accounts/{name}", h.Delete)
	return mux
}

func serve(mux *http.ServeMux, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func TestHandler_GetFeed(t *testing.T) {
	repo := newMemRepo()
	acc := repo.add(1, "alice")
	repo.analysis[acc.ID] = &Analysis{AccountID: acc.ID, Feed: []int64{10}}
	c := &fakeContent{summaries: map[int64]content.Summary{10: {ID: 10, Author: "bob", Permlink: "x"}}}
	repo.banned["spammer"] = true
	mux := newTestMux(NewHandler(newTestService(repo, c, nil)))

	t.Run("Success", func(t *testing.T) {
		w := serve(mux, http.MethodGet, "/accounts/alice/feed?amount=5")
		assert.Equal(t, http.StatusOK, w.Code)

		var body struct {
			Data []content.Summary `json:"data"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, []content.Summary{{ID: 10, Author: "bob", Permlink: "x"}}, body.Data)
	})

	t.Run("Invalid amount", func(t *testing.T) {
		for _, amount := range []string{"0", "251", "abc"} {
			w := serve(mux, http.MethodGet, "/accounts/alice/feed?amount="+amount)
			assert.Equal(t, http.StatusBadRequest, w.Code, amount)
			assert.Contains(t, w.Body.String(), "VALIDATION_ERROR")
		}
	})

	t.Run("Banned", func(t *testing.T) {
		w := serve(mux, http.MethodGet, "/accounts/spammer/feed")
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Contains(t, w.Body.String(), "FORBIDDEN")
	})
}

func TestHandler_Requests(t *testing.T) {
	repo := newMemRepo()
	repo.add(1, "alice")
	mux := newTestMux(NewHandler(newTestService(repo, nil, nil)))

	w := serve(mux, http.MethodPost, "/accounts/alice/analyze")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.True(t, repo.analysis[1].AnalyzeRequested)

	w = serve(mux, http.MethodPost, "/accounts/alice/feed")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.True(t, repo.analysis[1].MakeFeedRequested)
}

func TestHandler_Profile(t *testing.T) {
	repo := newMemRepo()
	repo.add(1, "alice")
	mux := newTestMux(NewHandler(newTestService(repo, nil, nil)))

	w := serve(mux, http.MethodGet, "/accounts/alice/profile")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"categories":[]`)

	w = serve(mux, http.MethodGet, "/accounts/nobody/profile")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "correlationId")
}

func TestHandler_BanAndDelete(t *testing.T) {
	repo := newMemRepo()
	repo.add(1, "troll")
	repo.add(2, "leaver")
	mux := newTestMux(NewHandler(newTestService(repo, nil, nil)))

	w := serve(mux, http.MethodPost, "/accounts/troll/ban")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.True(t, repo.banned["troll"])

	w = serve(mux, http.MethodDelete, "/accounts/leaver")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = serve(mux, http.MethodDelete, "/accounts/leaver")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
