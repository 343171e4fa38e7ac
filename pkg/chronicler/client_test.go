package chronicler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Entities(t *testing.T) {
	id := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/entities", r.URL.Path)
		assert.Equal(t, "player", r.URL.Query().Get("type"))
		json.NewEncoder(w).Encode(Page{Items: []Item{{
			EntityID:  id,
			ValidFrom: time.Date(2021, 12, 6, 15, 0, 0, 0, time.UTC),
			Data:      json.RawMessage(`{"name":"York Silk"}`),
		}}})
	}))
	defer srv.Close()

	c := New(srv.URL)
	items, err := c.Entities(context.Background(), "player", time.Now())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, id, items[0].EntityID)
}

func TestClient_VersionsPagination(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/versions", r.URL.Path)
		switch r.URL.Query().Get("page") {
		case "":
			json.NewEncoder(w).Encode(Page{
				NextPage: "p2",
				Items:    []Item{{EntityID: uuid.New(), ValidFrom: time.Now().UTC()}},
			})
		case "p2":
			json.NewEncoder(w).Encode(Page{})
		default:
			t.Errorf("unexpected page token %q", r.URL.Query().Get("page"))
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	page, err := c.Versions(context.Background(), "team", time.Now(), "", 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "p2", page.NextPage)

	page, err = c.Versions(context.Background(), "team", time.Now(), page.NextPage, 10)
	require.NoError(t, err)
	assert.Empty(t, page.Items)
}

func TestStream_MergesTypesByValidFrom(t *testing.T) {
	base := time.Date(2021, 12, 6, 15, 0, 0, 0, time.UTC)
	byType := map[string][]Item{
		"player": {
			{EntityID: uuid.New(), ValidFrom: base.Add(1 * time.Second)},
			{EntityID: uuid.New(), ValidFrom: base.Add(4 * time.Second)},
		},
		"team": {
			{EntityID: uuid.New(), ValidFrom: base.Add(2 * time.Second)},
		},
		"game": {},
	}
	served := map[string]bool{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		et := r.URL.Query().Get("type")
		if served[et] {
			json.NewEncoder(w).Encode(Page{})
			return
		}
		served[et] = true
		json.NewEncoder(w).Encode(Page{Items: byType[et]})
	}))
	defer srv.Close()

	s := NewStream(New(srv.URL), base, 10, "player", "team", "game")

	var order []string
	for {
		obs, err := s.Next(context.Background())
		require.NoError(t, err)
		if obs == nil {
			break
		}
		order = append(order, obs.EntityType)
	}
	assert.Equal(t, []string{"player", "team", "player"}, order)
}
