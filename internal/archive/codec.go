package archive

import (
	"database/sql"
	"embed"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/octscan/internal/monitoring"
	"github.com/banshee-data/octscan/internal/scan"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const timeLayout = time.RFC3339Nano

// migrateLogger routes golang-migrate output through monitoring.Logf.
type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	monitoring.Logf("[migrate] "+format, v...)
}

func (migrateLogger) Verbose() bool { return false }

// applySchema brings db up to the newest embedded migration.
func applySchema(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	// Note: m is not closed because that would close db.
	m.Log = migrateLogger{}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// Save writes rec to path. The archive is built in a temporary file in the
// same directory and renamed into place, so path either holds the complete
// archive or is left untouched. Errors wrap scan.ErrIO.
func Save(rec *Record, path string) (err error) {
	if rec == nil {
		return fmt.Errorf("%w: nil record", scan.ErrIO)
	}
	if err := checkShape(rec.Capacity, rec.Targets, rec.Spectra, rec.Profiles, rec.Positions, rec.Calibration); err != nil {
		return fmt.Errorf("%w: %v: %v", scan.ErrIO, ErrInvalidRecord, err)
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".scan-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %v", scan.ErrIO, err)
	}
	tmpName := tmp.Name()
	tmp.Close()

	defer func() {
		if err != nil {
			os.Remove(tmpName)
			os.Remove(tmpName + "-journal")
			err = fmt.Errorf("%w: saving %s: %v", scan.ErrIO, path, err)
		}
	}()

	db, err := sql.Open("sqlite", tmpName)
	if err != nil {
		return err
	}
	if err := writeRecord(db, rec); err != nil {
		db.Close()
		return err
	}
	if err := db.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func writeRecord(db *sql.DB, rec *Record) error {
	if err := applySchema(db); err != nil {
		return err
	}

	cfgJSON, err := json.Marshal(rec.Config)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	instJSON, err := json.Marshal(rec.Instrument)
	if err != nil {
		return fmt.Errorf("failed to encode instrument: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT INTO record
		(id, schema_version, status, label, started_at, ended_at, capacity, config_json, instrument_json, calibration)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SchemaVersion, string(rec.Status), rec.Config.Label,
		rec.StartedAt.Format(timeLayout), rec.EndedAt.Format(timeLayout),
		rec.Capacity, string(cfgJSON), string(instJSON), encodeFloats(rec.Calibration),
	); err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}

	for i, p := range rec.Targets {
		if _, err := tx.Exec(`INSERT INTO targets (step, position) VALUES (?, ?)`, i, p); err != nil {
			return fmt.Errorf("failed to insert target %d: %w", i, err)
		}
	}

	for i, s := range rec.Spectra {
		if _, err := tx.Exec(`INSERT INTO spectra
			(step, position, captured_at, integration_ns, saturated, intensities)
			VALUES (?, ?, ?, ?, ?, ?)`,
			i, rec.Positions[i], s.CapturedAt.Format(timeLayout), int64(s.IntegrationTime),
			boolInt(s.Saturated), encodeFloats(s.Intensities),
		); err != nil {
			return fmt.Errorf("failed to insert spectrum %d: %w", i, err)
		}
	}

	for _, p := range rec.Profiles {
		peaks, err := json.Marshal(p.Peaks)
		if err != nil {
			return fmt.Errorf("failed to encode peaks of step %d: %w", p.Step, err)
		}
		if _, err := tx.Exec(`INSERT INTO profiles
			(step, axis_origin, axis_spacing, magnitudes, peaks_json, degraded)
			VALUES (?, ?, ?, ?, ?, ?)`,
			p.Step, p.Axis.Origin, p.Axis.Spacing, encodeFloats(p.Magnitudes),
			string(peaks), boolInt(p.Degraded),
		); err != nil {
			return fmt.Errorf("failed to insert profile %d: %w", p.Step, err)
		}
		for band, z := range p.Zooms {
			zPeaks, err := json.Marshal(z.Peaks)
			if err != nil {
				return fmt.Errorf("failed to encode peaks of step %d band %d: %w", p.Step, band, err)
			}
			if _, err := tx.Exec(`INSERT INTO zooms
				(step, band, axis_origin, axis_spacing, magnitudes, peaks_json)
				VALUES (?, ?, ?, ?, ?, ?)`,
				p.Step, band, z.Axis.Origin, z.Axis.Spacing, encodeFloats(z.Magnitudes), string(zPeaks),
			); err != nil {
				return fmt.Errorf("failed to insert zoom %d of profile %d: %w", band, p.Step, err)
			}
		}
	}

	for i, w := range rec.Warnings {
		if _, err := tx.Exec(`INSERT INTO warnings (seq, severity, kind, message, step, time) VALUES (?, ?, ?, ?, ?, ?)`,
			i, string(w.Severity), w.Kind, w.Message, w.Step, w.Time.Format(timeLayout),
		); err != nil {
			return fmt.Errorf("failed to insert warning %d: %w", i, err)
		}
	}

	return tx.Commit()
}

// Load reads an archive written by Save. Missing files and read failures
// wrap scan.ErrIO; anything structurally wrong wraps scan.ErrCorruptArchive.
func Load(path string) (*Record, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %v", scan.ErrIO, err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", scan.ErrIO, err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA query_only = 1`); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", scan.ErrCorruptArchive, path, err)
	}

	rec, err := readRecord(db)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", scan.ErrCorruptArchive, path, err)
	}
	return rec, nil
}

// OpenReadOnly opens the archive at path for ad-hoc queries. The handle
// cannot modify the file. Callers close it.
func OpenReadOnly(path string) (*sql.DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %v", scan.ErrIO, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", scan.ErrIO, err)
	}
	dsn := (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs), RawQuery: "mode=ro&_pragma=query_only(1)"}).String()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", scan.ErrIO, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %s: %v", scan.ErrCorruptArchive, path, err)
	}
	return db, nil
}

func readRecord(db *sql.DB) (*Record, error) {
	var version int64
	var dirty bool
	if err := db.QueryRow(`SELECT version, dirty FROM schema_migrations LIMIT 1`).Scan(&version, &dirty); err != nil {
		return nil, fmt.Errorf("schema version: %w", err)
	}
	if dirty || version != SchemaVersion {
		return nil, fmt.Errorf("unsupported schema version %d (dirty=%v)", version, dirty)
	}

	rec := &Record{}
	var status, started, ended, cfgJSON, instJSON, label string
	var calib []byte
	err := db.QueryRow(`SELECT id, schema_version, status, label, started_at, ended_at, capacity, config_json, instrument_json, calibration FROM record`).
		Scan(&rec.ID, &rec.SchemaVersion, &status, &label, &started, &ended, &rec.Capacity, &cfgJSON, &instJSON, &calib)
	if err != nil {
		return nil, fmt.Errorf("record row: %w", err)
	}
	if rec.ID == "" || rec.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("record row is incomplete")
	}
	rec.Status = scan.Status(status)
	if !rec.Status.Valid() {
		return nil, fmt.Errorf("unknown status %q", status)
	}
	if rec.StartedAt, err = time.Parse(timeLayout, started); err != nil {
		return nil, fmt.Errorf("started_at: %w", err)
	}
	if rec.EndedAt, err = time.Parse(timeLayout, ended); err != nil {
		return nil, fmt.Errorf("ended_at: %w", err)
	}
	if err := json.Unmarshal([]byte(cfgJSON), &rec.Config); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := json.Unmarshal([]byte(instJSON), &rec.Instrument); err != nil {
		return nil, fmt.Errorf("instrument: %w", err)
	}
	if rec.Capacity != rec.Config.Steps {
		return nil, fmt.Errorf("capacity %d disagrees with %d configured steps", rec.Capacity, rec.Config.Steps)
	}
	if rec.Calibration, err = decodeFloats(calib); err != nil {
		return nil, fmt.Errorf("calibration: %w", err)
	}

	if rec.Targets, err = readTargets(db); err != nil {
		return nil, err
	}
	if rec.Spectra, rec.Positions, err = readSpectra(db); err != nil {
		return nil, err
	}
	if rec.Profiles, err = readProfiles(db); err != nil {
		return nil, err
	}
	if rec.Warnings, err = readWarnings(db); err != nil {
		return nil, err
	}

	if err := checkShape(rec.Capacity, rec.Targets, rec.Spectra, rec.Profiles, rec.Positions, rec.Calibration); err != nil {
		return nil, err
	}
	return rec, nil
}

func readTargets(db *sql.DB) ([]float64, error) {
	rows, err := db.Query(`SELECT step, position FROM targets ORDER BY step`)
	if err != nil {
		return nil, fmt.Errorf("targets: %w", err)
	}
	defer rows.Close()
	out := []float64{}
	for rows.Next() {
		var step int
		var p float64
		if err := rows.Scan(&step, &p); err != nil {
			return nil, fmt.Errorf("targets: %w", err)
		}
		if step != len(out) {
			return nil, fmt.Errorf("targets: missing step %d", len(out))
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func readSpectra(db *sql.DB) ([]scan.RawSpectrum, []float64, error) {
	rows, err := db.Query(`SELECT step, position, captured_at, integration_ns, saturated, intensities FROM spectra ORDER BY step`)
	if err != nil {
		return nil, nil, fmt.Errorf("spectra: %w", err)
	}
	defer rows.Close()
	spectra := []scan.RawSpectrum{}
	positions := []float64{}
	for rows.Next() {
		var step int
		var pos float64
		var captured string
		var integration int64
		var saturated int
		var blob []byte
		if err := rows.Scan(&step, &pos, &captured, &integration, &saturated, &blob); err != nil {
			return nil, nil, fmt.Errorf("spectra: %w", err)
		}
		if step != len(spectra) {
			return nil, nil, fmt.Errorf("spectra: missing step %d", len(spectra))
		}
		s := scan.RawSpectrum{IntegrationTime: time.Duration(integration), Saturated: saturated != 0}
		if s.CapturedAt, err = time.Parse(timeLayout, captured); err != nil {
			return nil, nil, fmt.Errorf("spectrum %d captured_at: %w", step, err)
		}
		if s.Intensities, err = decodeFloats(blob); err != nil {
			return nil, nil, fmt.Errorf("spectrum %d: %w", step, err)
		}
		spectra = append(spectra, s)
		positions = append(positions, pos)
	}
	return spectra, positions, rows.Err()
}

func readProfiles(db *sql.DB) ([]scan.DepthProfile, error) {
	rows, err := db.Query(`SELECT step, axis_origin, axis_spacing, magnitudes, peaks_json, degraded FROM profiles ORDER BY step`)
	if err != nil {
		return nil, fmt.Errorf("profiles: %w", err)
	}
	defer rows.Close()
	out := []scan.DepthProfile{}
	for rows.Next() {
		var p scan.DepthProfile
		var mags []byte
		var peaks string
		var degraded int
		if err := rows.Scan(&p.Step, &p.Axis.Origin, &p.Axis.Spacing, &mags, &peaks, &degraded); err != nil {
			return nil, fmt.Errorf("profiles: %w", err)
		}
		if p.Step != len(out) {
			return nil, fmt.Errorf("profiles: missing step %d", len(out))
		}
		p.Degraded = degraded != 0
		if p.Magnitudes, err = decodeFloats(mags); err != nil {
			return nil, fmt.Errorf("profile %d: %w", p.Step, err)
		}
		if err := json.Unmarshal([]byte(peaks), &p.Peaks); err != nil {
			return nil, fmt.Errorf("profile %d peaks: %w", p.Step, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := readZooms(db, out); err != nil {
		return nil, err
	}
	return out, nil
}

// readZooms attaches the zoom bands to profiles, which is indexed by step.
func readZooms(db *sql.DB, profiles []scan.DepthProfile) error {
	rows, err := db.Query(`SELECT step, band, axis_origin, axis_spacing, magnitudes, peaks_json FROM zooms ORDER BY step, band`)
	if err != nil {
		return fmt.Errorf("zooms: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var step, band int
		var z scan.ZoomProfile
		var mags []byte
		var peaks string
		if err := rows.Scan(&step, &band, &z.Axis.Origin, &z.Axis.Spacing, &mags, &peaks); err != nil {
			return fmt.Errorf("zooms: %w", err)
		}
		if step < 0 || step >= len(profiles) {
			return fmt.Errorf("zoom for unknown step %d", step)
		}
		p := &profiles[step]
		if band != len(p.Zooms) || band >= scan.MaxBands {
			return fmt.Errorf("profile %d: zoom band %d out of order", step, band)
		}
		if z.Magnitudes, err = decodeFloats(mags); err != nil {
			return fmt.Errorf("profile %d zoom %d: %w", step, band, err)
		}
		if err := json.Unmarshal([]byte(peaks), &z.Peaks); err != nil {
			return fmt.Errorf("profile %d zoom %d peaks: %w", step, band, err)
		}
		p.Zooms = append(p.Zooms, z)
	}
	return rows.Err()
}

func readWarnings(db *sql.DB) ([]scan.Warning, error) {
	rows, err := db.Query(`SELECT severity, kind, message, step, time FROM warnings ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("warnings: %w", err)
	}
	defer rows.Close()
	out := []scan.Warning{}
	for rows.Next() {
		var w scan.Warning
		var severity, ts string
		if err := rows.Scan(&severity, &w.Kind, &w.Message, &w.Step, &ts); err != nil {
			return nil, fmt.Errorf("warnings: %w", err)
		}
		w.Severity = scan.Severity(severity)
		if w.Time, err = time.Parse(timeLayout, ts); err != nil {
			return nil, fmt.Errorf("warning time: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// encodeFloats packs v as little-endian IEEE 754 doubles. The result is
// never nil so the NOT NULL columns accept empty slices.
func encodeFloats(v []float64) []byte {
	out := make([]byte, 8*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint64(out[8*i:], math.Float64bits(x))
	}
	return out
}

func decodeFloats(b []byte) ([]float64, error) {
	if len(b)%8 != 0 {
		return nil, fmt.Errorf("blob length %d is not a multiple of 8", len(b))
	}
	out := make([]float64, len(b)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[8*i:]))
	}
	return out, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
