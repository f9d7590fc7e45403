package server_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/orbitalctf/internal/api"
	"github.com/victornm/orbitalctf/internal/domain"
	"github.com/victornm/orbitalctf/internal/server"
)

const seedFile = "../../test/demo/seed.json"

func TestInit(t *testing.T) {
	tests := map[string]struct {
		arrange func(c *server.Config)
		assert  func(t *testing.T, s *server.Server, err error)
	}{
		"memory with seed": {
			assert: func(t *testing.T, s *server.Server, err error) {
				require.NoError(t, err)
				assert.NotNil(t, s.Handler())
			},
		},

		"missing jwt secret": {
			arrange: func(c *server.Config) { c.Auth.JWTSecret = "" },
			assert: func(t *testing.T, _ *server.Server, err error) {
				assert.ErrorContains(t, err, "jwt secret")
			},
		},

		"unknown driver": {
			arrange: func(c *server.Config) { c.Storage.Driver = "sqlite" },
			assert: func(t *testing.T, _ *server.Server, err error) {
				assert.ErrorContains(t, err, "unknown storage driver")
			},
		},

		"missing seed file": {
			arrange: func(c *server.Config) { c.Catalog.SeedFile = "missing.json" },
			assert: func(t *testing.T, _ *server.Server, err error) {
				assert.ErrorContains(t, err, "open seed")
			},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			c := testConfig()
			if tc.arrange != nil {
				tc.arrange(&c)
			}

			s, err := server.Init(c)
			if s != nil {
				t.Cleanup(s.Shutdown)
			}
			tc.assert(t, s, err)
		})
	}
}

func TestServer_Handler(t *testing.T) {
	s, err := server.Init(testConfig())
	require.NoError(t, err)
	t.Cleanup(s.Shutdown)

	h := s.Handler()

	t.Run("healthz", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("metrics", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("seeded teams have accounts", func(t *testing.T) {
		tok, err := api.SignToken([]byte("test-secret"), domain.Principal{UserID: "u1", TeamID: "red"}, time.Hour)
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/api/leaderboard", nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)

		var l struct {
			Entries []struct {
				TeamID string `json:"teamId"`
				Score  int64  `json:"score"`
			} `json:"entries"`
		}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&l))
		assert.Len(t, l.Entries, 3)
		for _, e := range l.Entries {
			assert.Zero(t, e.Score)
		}
	})

	t.Run("submit seeded flag", func(t *testing.T) {
		tok, err := api.SignToken([]byte("test-secret"), domain.Principal{UserID: "u2", TeamID: "blue"}, time.Hour)
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodPost, "/api/challenges/warmup/submit", strings.NewReader(`{"flag":"CTF{warmup}"}`))
		req.Header.Set("Authorization", "Bearer "+tok)
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Contains(t, w.Body.String(), `"accepted":true`)
	})
}

func TestServer_StartAndShutdownFromDifferentGoroutines(t *testing.T) {
	c := testConfig()
	c.HTTP.Port, c.GRPC.Port = 0, 0
	c.Leaderboard.RefreshInterval = time.Hour

	s, err := server.Init(c)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Start()
	}()

	s.Shutdown()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after Shutdown")
	}
}

func testConfig() server.Config {
	c := server.DefaultConfig()
	c.Auth.JWTSecret = "test-secret"
	c.Catalog.SeedFile = seedFile
	c.Leaderboard.RefreshInterval = 0
	return c
}
