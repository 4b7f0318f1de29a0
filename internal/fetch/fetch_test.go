package fetch

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amaumene/fetcharr/internal/downloader"
	"github.com/amaumene/fetcharr/internal/models"
)

const testMagnet = "magnet:?xt=urn:btih:c12fe1c06bba254a9dc9f519b335aa7c1367a88a&dn=Test.Movie.2024"

func testResolver(t *testing.T) *Resolver {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewResolver(logger)
}

// torrentBody builds a minimal valid torrent file
func torrentBody(t *testing.T) []byte {
	t.Helper()

	info := metainfo.Info{
		Name:        "test-movie.mkv",
		PieceLength: 16384,
		Pieces:      make([]byte, 20),
		Length:      1024,
	}
	infoBytes, err := bencode.Marshal(info)
	require.NoError(t, err)

	mi := metainfo.MetaInfo{
		Announce:  "http://tracker.example.com/announce",
		InfoBytes: infoBytes,
	}

	var buf bytes.Buffer
	require.NoError(t, mi.Write(&buf))
	return buf.Bytes()
}

func TestResolveMagnetPassthrough(t *testing.T) {
	res, err := testResolver(t).Resolve(context.Background(), testMagnet, "Test Movie")
	require.NoError(t, err)

	assert.Equal(t, downloader.ResourceMagnet, res.Kind)
	assert.Equal(t, models.ProtocolTorrent, res.Protocol)
	assert.Equal(t, testMagnet, res.URI)
	assert.Equal(t, "c12fe1c06bba254a9dc9f519b335aa7c1367a88a", res.InfoHash)
}

func TestResolveMagnetTitleFromDisplayName(t *testing.T) {
	res, err := testResolver(t).Resolve(context.Background(), testMagnet, "")
	require.NoError(t, err)
	assert.Equal(t, "Test.Movie.2024", res.Title)
}

func TestResolveTorrentBody(t *testing.T) {
	body := torrentBody(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	res, err := testResolver(t).Resolve(context.Background(), srv.URL+"/download/1", "Test Movie")
	require.NoError(t, err)

	assert.Equal(t, downloader.ResourceFile, res.Kind)
	assert.Equal(t, models.ProtocolTorrent, res.Protocol)
	assert.Equal(t, body, res.Content)
	assert.NotEmpty(t, res.InfoHash)
	assert.Equal(t, "Test Movie.torrent", res.Filename)
}

func TestResolveNZBBody(t *testing.T) {
	nzb := `<?xml version="1.0" encoding="UTF-8"?>
<nzb xmlns="http://www.newzbin.com/DTD/2003/nzb">
  <file poster="test" date="1700000000" subject="Test Movie">
    <groups><group>alt.binaries.test</group></groups>
    <segments><segment bytes="1024" number="1">test@example.com</segment></segments>
  </file>
</nzb>`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, nzb)
	}))
	defer srv.Close()

	res, err := testResolver(t).Resolve(context.Background(), srv.URL+"/getnzb/1", "Test Movie")
	require.NoError(t, err)

	assert.Equal(t, downloader.ResourceFile, res.Kind)
	assert.Equal(t, models.ProtocolUsenet, res.Protocol)
	assert.Equal(t, "Test Movie.nzb", res.Filename)
}

func TestResolveOpaqueBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><body>not a download</body></html>")
	}))
	defer srv.Close()

	res, err := testResolver(t).Resolve(context.Background(), srv.URL+"/page", "Test Movie")
	require.NoError(t, err)

	assert.Equal(t, downloader.ResourceURL, res.Kind)
	assert.Equal(t, models.ProtocolUnknown, res.Protocol)
	assert.Equal(t, srv.URL+"/page", res.URI)
}

func TestResolveRedirectToMagnet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", testMagnet)
		w.WriteHeader(http.StatusFound)
	}))
	defer srv.Close()

	res, err := testResolver(t).Resolve(context.Background(), srv.URL+"/download/1", "Test Movie")
	require.NoError(t, err)

	assert.Equal(t, downloader.ResourceMagnet, res.Kind)
	assert.Equal(t, "c12fe1c06bba254a9dc9f519b335aa7c1367a88a", res.InfoHash)
}

func TestResolveFollowsRelativeRedirects(t *testing.T) {
	body := torrentBody(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/start":
			w.Header().Set("Location", "/file.torrent")
			w.WriteHeader(http.StatusMovedPermanently)
		case "/file.torrent":
			w.Write(body)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	res, err := testResolver(t).Resolve(context.Background(), srv.URL+"/start", "Test Movie")
	require.NoError(t, err)
	assert.Equal(t, downloader.ResourceFile, res.Kind)
}

func TestResolveRedirectCap(t *testing.T) {
	hops := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hops++
		w.Header().Set("Location", fmt.Sprintf("/hop/%d", hops))
		w.WriteHeader(http.StatusFound)
	}))
	defer srv.Close()

	_, err := testResolver(t).Resolve(context.Background(), srv.URL+"/hop/0", "Test Movie")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTooManyRedirects)
}

func TestResolveUnsupportedScheme(t *testing.T) {
	_, err := testResolver(t).Resolve(context.Background(), "ftp://example.com/file.torrent", "Test Movie")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFetchFailed)
}

func TestResolveRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := testResolver(t).Resolve(context.Background(), srv.URL+"/download/1", "Test Movie")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Contains(t, err.Error(), "120")
}

func TestResolveErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := testResolver(t).Resolve(context.Background(), srv.URL+"/missing", "Test Movie")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFetchFailed)
}
