package github

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rogersf/taskforge/internal/workflow"
)

func TestGetPullRequestState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/acme/app/pulls/42", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Write([]byte(`{"state":"closed","merged":true}`))
	}))
	defer srv.Close()

	st, err := NewClient(srv.URL).GetPullRequestState(context.Background(), workflow.PRQuery{Repo: "acme/app", Number: 42, Token: "tok"})
	require.NoError(t, err)
	assert.True(t, st.Merged)
}

func TestGetPullRequestState_NonSuccessIsNotMerged(t *testing.T) {
	for _, status := range []int{http.StatusNotFound, http.StatusForbidden, http.StatusInternalServerError} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"message":"Not Found"}`, status)
		}))

		st, err := NewClient(srv.URL).GetPullRequestState(context.Background(), workflow.PRQuery{Repo: "acme/app", Number: 1})
		srv.Close()
		require.NoError(t, err, "status %d", status)
		assert.False(t, st.Merged, "status %d", status)
	}
}

func TestGetPullRequestState_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(url).GetPullRequestState(context.Background(), workflow.PRQuery{Repo: "acme/app", Number: 1})
	require.Error(t, err)
}

func TestMergePullRequest(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantMerged bool
		wantErr    bool
	}{
		{"merged", http.StatusOK, `{"merged":true,"message":"Pull Request successfully merged"}`, true, false},
		{"not mergeable", http.StatusMethodNotAllowed, `{"message":"Pull Request is not mergeable"}`, false, false},
		{"head modified", http.StatusConflict, `{"message":"Head branch was modified"}`, false, false},
		{"unprocessable", http.StatusUnprocessableEntity, `{}`, false, false},
		{"forbidden", http.StatusForbidden, `{"message":"Resource not accessible"}`, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPut, r.Method)
				assert.Equal(t, "/repos/acme/app/pulls/42/merge", r.URL.Path)
				var body mergeBody
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
				assert.Equal(t, "squash", body.MergeMethod)
				assert.Equal(t, "Ship it (#42)", body.CommitTitle)
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			st, err := NewClient(srv.URL).MergePullRequest(context.Background(), workflow.MergeRequest{
				Repo: "acme/app", Number: 42, Token: "tok", MergeMethod: "squash", CommitTitle: "Ship it (#42)",
			})
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantMerged, st.Merged)
		})
	}
}

func TestNewClient_DefaultBaseURL(t *testing.T) {
	assert.Equal(t, DefaultBaseURL, NewClient("").BaseURL)
	assert.Equal(t, "http://ghe.local/api/v3", NewClient("http://ghe.local/api/v3/").BaseURL)
}
