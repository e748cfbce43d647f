package oracle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/cfdmaker/errs"
	"github.com/coachpo/cfdmaker/internal/domain/model"
)

func newOracleServer(t *testing.T, known model.BitMexPriceEventID, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		requested, err := model.ParseBitMexPriceEventID(r.URL.Path + "?" + r.URL.RawQuery)
		if err != nil || requested.String() != known.String() {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(model.Announcement{ID: known, ExpectedOutcomeTime: known.Timestamp})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGetAnnouncementsCaches(t *testing.T) {
	id := model.NewBitMexPriceEventID(time.Date(2021, 9, 23, 10, 0, 0, 0, time.UTC), model.DefaultEventDigits)
	var hits atomic.Int32
	srv := newOracleServer(t, id, &hits)
	client := NewClient(srv.URL, time.Second)

	anns, err := client.GetAnnouncements(context.Background(), []model.BitMexPriceEventID{id})
	require.NoError(t, err)
	require.Len(t, anns, 1)
	require.Equal(t, id.String(), anns[0].ID.String())

	_, err = client.GetAnnouncements(context.Background(), []model.BitMexPriceEventID{id})
	require.NoError(t, err)
	require.Equal(t, int32(1), hits.Load())
}

func TestGetAnnouncementsUnknownEvent(t *testing.T) {
	known := model.NewBitMexPriceEventID(time.Date(2021, 9, 23, 10, 0, 0, 0, time.UTC), model.DefaultEventDigits)
	unknown := model.NewBitMexPriceEventID(time.Date(2021, 9, 24, 10, 0, 0, 0, time.UTC), model.DefaultEventDigits)
	var hits atomic.Int32
	srv := newOracleServer(t, known, &hits)
	client := NewClient(srv.URL, time.Second)

	_, err := client.GetAnnouncements(context.Background(), []model.BitMexPriceEventID{known, unknown})
	require.ErrorIs(t, err, ErrNoAnnouncement)
}

func TestGetAnnouncementsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	client := NewClient(srv.URL, time.Second)

	id := model.NewBitMexPriceEventID(time.Date(2021, 9, 23, 10, 0, 0, 0, time.UTC), model.DefaultEventDigits)
	_, err := client.GetAnnouncements(context.Background(), []model.BitMexPriceEventID{id})
	require.Error(t, err)
	require.Equal(t, errs.CodeUnavailable, errs.CodeOf(err))
}
