package tenant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modhive/modhive/pkg/common/types"
)

func fakeAPI(t *testing.T) (*httptest.Server, *[]SideEffect) {
	t.Helper()
	var emitted []SideEffect

	mux := http.NewServeMux()
	mux.HandleFunc("/domains", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]Domain{{ID: "d1"}, {ID: "d2"}})
	})
	mux.HandleFunc("/domains/d1/gameservers", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]GameServer{{ID: "g1", DomainID: "d1", EventsURL: "ws://g1/events"}})
	})
	mux.HandleFunc("/gameservers/g1/modules", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]types.ModuleInstallation{{ID: "inst-1", GameServerID: "g1"}})
	})
	mux.HandleFunc("/side-effects", func(w http.ResponseWriter, r *http.Request) {
		var effect SideEffect
		require.NoError(t, json.NewDecoder(r.Body).Decode(&effect))
		emitted = append(emitted, effect)
		w.WriteHeader(http.StatusAccepted)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &emitted
}

func TestClientListDomains(t *testing.T) {
	srv, _ := fakeAPI(t)
	c := NewClient(srv.URL)

	domains, err := c.ListDomains(context.Background())
	require.NoError(t, err)
	assert.Len(t, domains, 2)
}

func TestClientListGameServers(t *testing.T) {
	srv, _ := fakeAPI(t)
	c := NewClient(srv.URL)

	servers, err := c.ListGameServers(context.Background(), "d1")
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, "ws://g1/events", servers[0].EventsURL)
}

func TestClientGetInstalledModules(t *testing.T) {
	srv, _ := fakeAPI(t)
	c := NewClient(srv.URL)

	installations, err := c.GetInstalledModules(context.Background(), "g1")
	require.NoError(t, err)
	require.Len(t, installations, 1)
	assert.Equal(t, "inst-1", installations[0].ID)
}

func TestClientEmit(t *testing.T) {
	srv, emitted := fakeAPI(t)
	c := NewClient(srv.URL)

	err := c.Emit(context.Background(), SideEffect{
		DomainID: "d1", GameServerID: "g1", Kind: "chatMessage",
		Payload: json.RawMessage(`{"text":"hi"}`),
	})
	require.NoError(t, err)
	require.Len(t, *emitted, 1)
	assert.Equal(t, "chatMessage", (*emitted)[0].Kind)
}

func TestClientSurfacesHTTPErrors(t *testing.T) {
	srv, _ := fakeAPI(t)
	c := NewClient(srv.URL)

	_, err := c.ListGameServers(context.Background(), "d404")
	assert.Error(t, err)
}
