package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yegors/flightlog/pkg/logger"
)

func TestDeviceDB_Load(t *testing.T) {
	db := NewDeviceDB(DeviceDBConfig{}, nil, logger.NewNop())

	// Leading BOM and an entry without registration
	data := "\xef\xbb\xbf" + ddbFixture + "'F','3E0000','LS4','','','Y','Y'\n"
	n, err := db.Load(strings.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, db.Len())

	d := db.Lookup("3E1234")
	require.NotNil(t, d)
	assert.Equal(t, "OY-XAB", d.Registration)
	assert.Equal(t, "F", d.DeviceType)
	assert.Nil(t, db.Lookup("3E9999"))
	assert.Nil(t, db.Lookup("3E0000"))
}

func TestDeviceDB_LoadReplacesSnapshot(t *testing.T) {
	db := newDeviceDB(t)
	_, err := db.Load(strings.NewReader("#DEVICE_TYPE,DEVICE_ID,AIRCRAFT_MODEL,REGISTRATION,CN,TRACKED,IDENTIFIED\n'O','ABCDEF','Paraglider','PG-1','','Y','Y'\n"))
	require.NoError(t, err)
	assert.Nil(t, db.Lookup("3E1234"))
	assert.NotNil(t, db.Lookup("ABCDEF"))
}

func TestDeviceDB_StartDownloadsMissingFile(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_, _ = w.Write([]byte(ddbFixture))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "ddb", "ddb.csv")
	db := NewDeviceDB(DeviceDBConfig{Path: path, URL: srv.URL, CheckInterval: time.Hour}, nil, logger.NewNop())
	db.Start(context.Background())
	defer db.Stop()

	assert.Equal(t, 1, hits)
	assert.NotNil(t, db.Lookup("3E1234"))
	_, err := os.Stat(path)
	assert.NoError(t, err)
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestDeviceDB_FreshFileIsNotDownloaded(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_, _ = w.Write([]byte(ddbFixture))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "ddb.csv")
	require.NoError(t, os.WriteFile(path, []byte(ddbFixture), 0644))

	db := NewDeviceDB(DeviceDBConfig{Path: path, URL: srv.URL, MaxAge: time.Hour}, nil, logger.NewNop())
	db.Start(context.Background())
	db.Stop()

	assert.Equal(t, 0, hits)
	assert.Equal(t, 1, db.Len())
}

func TestDeviceDB_FailedDownloadKeepsExistingFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "ddb.csv")
	require.NoError(t, os.WriteFile(path, []byte(ddbFixture), 0644))
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	db := NewDeviceDB(DeviceDBConfig{Path: path, URL: srv.URL}, nil, logger.NewNop())
	db.Start(context.Background())
	db.Stop()

	assert.NotNil(t, db.Lookup("3E1234"))
}

func TestDeviceDB_StopWithoutStart(t *testing.T) {
	db := NewDeviceDB(DeviceDBConfig{}, nil, logger.NewNop())
	assert.NotPanics(t, func() {
		db.Stop()
		db.Stop()
	})
}
