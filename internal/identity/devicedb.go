package identity

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dimchansky/utfbom"
	"github.com/gocarina/gocsv"

	"github.com/yegors/flightlog/internal/metrics"
	"github.com/yegors/flightlog/pkg/logger"
)

// #DEVICE_TYPE,DEVICE_ID,AIRCRAFT_MODEL,REGISTRATION,CN,TRACKED,IDENTIFIED
// 'F','DD1234','ASK-21','D-1234','K1','Y','Y'

// Device is one row of the device database
type Device struct {
	DeviceType    string `csv:"#DEVICE_TYPE"`
	DeviceID      string `csv:"DEVICE_ID"`
	AircraftModel string `csv:"AIRCRAFT_MODEL"`
	Registration  string `csv:"REGISTRATION"`
	CN            string `csv:"CN"`
	Tracked       string `csv:"TRACKED"`
	Identified    string `csv:"IDENTIFIED"`
}

// DeviceDBConfig configures the device database snapshot
type DeviceDBConfig struct {
	Path          string        // local CSV file
	URL           string        // download source, empty = local file only
	MaxAge        time.Duration // re-download when the local file is older
	CheckInterval time.Duration // how often the file age is checked
}

// DeviceDB is a periodically refreshed in-memory snapshot of the external
// device database
type DeviceDB struct {
	config  DeviceDBConfig
	client  *http.Client
	metrics *metrics.Metrics
	logger  *logger.Logger

	mu      sync.RWMutex
	devices map[string]*Device

	shutdown chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewDeviceDB creates an empty device database
func NewDeviceDB(config DeviceDBConfig, m *metrics.Metrics, log *logger.Logger) *DeviceDB {
	if config.MaxAge <= 0 {
		config.MaxAge = 24 * time.Hour
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = time.Hour
	}
	return &DeviceDB{
		config:   config,
		client:   &http.Client{Timeout: 2 * time.Minute},
		metrics:  m,
		logger:   log.Named("device-db"),
		devices:  make(map[string]*Device),
		shutdown: make(chan struct{}),
	}
}

// Lookup returns the device with the given normalized id, or nil
func (d *DeviceDB) Lookup(deviceID string) *Device {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.devices[deviceID]
}

// Len returns the number of loaded devices
func (d *DeviceDB) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.devices)
}

// Load parses a device database CSV and replaces the snapshot with it.
// Devices that opted out of identification or have no registration are skipped.
func (d *DeviceDB) Load(r io.Reader) (int, error) {
	var rows []*Device
	if err := gocsv.UnmarshalCSV(gocsv.LazyCSVReader(utfbom.SkipOnly(r)), &rows); err != nil {
		return 0, fmt.Errorf("failed to parse device database: %w", err)
	}

	devices := make(map[string]*Device, len(rows))
	for _, row := range rows {
		row.DeviceType = unquote(row.DeviceType)
		row.DeviceID = strings.ToUpper(unquote(row.DeviceID))
		row.AircraftModel = unquote(row.AircraftModel)
		row.Registration = unquote(row.Registration)
		row.CN = unquote(row.CN)
		row.Tracked = strings.ToUpper(unquote(row.Tracked))
		row.Identified = strings.ToUpper(unquote(row.Identified))

		if row.DeviceID == "" || row.Registration == "" || row.Identified == "N" {
			continue
		}
		devices[row.DeviceID] = row
	}

	d.mu.Lock()
	d.devices = devices
	d.mu.Unlock()

	d.metrics.SetDeviceDatabaseSize(len(devices))
	return len(devices), nil
}

// LoadFile loads the snapshot from a local file
func (d *DeviceDB) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open device database: %w", err)
	}
	defer f.Close()

	n, err := d.Load(f)
	if err != nil {
		return err
	}
	d.logger.Info("Loaded device database",
		logger.String("path", path),
		logger.Int("count", n))
	return nil
}

// Start refreshes and loads the local file, then keeps it fresh in the
// background when a download URL is configured. A missing or broken dataset
// is logged; resolution then falls through to synthesized identities.
func (d *DeviceDB) Start(ctx context.Context) {
	if d.config.Path == "" {
		d.logger.Info("No device database configured")
		return
	}

	d.refresh(ctx)
	if err := d.LoadFile(d.config.Path); err != nil {
		d.logger.Warn("Device database unavailable", logger.Error(err))
	}

	if d.config.URL == "" {
		return
	}
	d.done = make(chan struct{})
	go d.run(ctx)
}

// Stop ends the refresh loop
func (d *DeviceDB) Stop() {
	d.stopOnce.Do(func() {
		close(d.shutdown)
		if d.done != nil {
			<-d.done
		}
	})
}

func (d *DeviceDB) run(ctx context.Context) {
	t := time.NewTicker(d.config.CheckInterval)
	defer func() {
		t.Stop()
		close(d.done)
		d.logger.Info("Device database refresh loop stopped")
	}()

	for {
		select {
		case <-d.shutdown:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			if d.refresh(ctx) {
				if err := d.LoadFile(d.config.Path); err != nil {
					d.logger.Error("Failed to reload device database", logger.Error(err))
				}
			}
		}
	}
}

// refresh downloads a new copy when the local file is missing or stale and
// reports whether the file was replaced
func (d *DeviceDB) refresh(ctx context.Context) bool {
	if d.config.URL == "" {
		return false
	}

	fi, err := os.Stat(d.config.Path)
	if err == nil {
		if time.Since(fi.ModTime()) < d.config.MaxAge {
			return false
		}
	} else if !os.IsNotExist(err) {
		d.logger.Error("Failed to stat device database, cannot update", logger.Error(err))
		return false
	}

	d.logger.Info("Downloading device database", logger.String("url", d.config.URL))
	if err := d.download(ctx); err != nil {
		d.logger.Error("Failed to download device database",
			logger.String("url", d.config.URL),
			logger.Error(err))
		return false
	}
	return true
}

func (d *DeviceDB) download(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.config.URL, nil)
	if err != nil {
		return err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %s", resp.Status)
	}

	if dir := filepath.Dir(d.config.Path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	tmp := d.config.Path + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp)

	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, d.config.Path); err != nil {
		return fmt.Errorf("failed to replace device database: %w", err)
	}
	return nil
}

func unquote(s string) string {
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(s), "'"))
}
