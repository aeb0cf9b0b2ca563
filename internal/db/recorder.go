package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/banshee-data/beamlink/internal/dmg"
	"github.com/banshee-data/beamlink/internal/events"
	"github.com/banshee-data/beamlink/internal/monitoring"
	"github.com/banshee-data/beamlink/internal/snr"
)

// Recorder is an events.Listener that writes every outcome of one run to
// the database. Listener methods cannot return errors, so write failures
// are logged and the first one is kept for Err.
type Recorder struct {
	db    *DB
	runID string
	err   error
}

var _ events.Listener = (*Recorder)(nil)

// NewRecorder returns a recorder for runID, which must come from StartRun.
func NewRecorder(db *DB, runID string) *Recorder {
	return &Recorder{db: db, runID: runID}
}

// RunID returns the run this recorder writes to.
func (r *Recorder) RunID() string { return r.runID }

// Err returns the first write error, if any.
func (r *Recorder) Err() error { return r.err }

func (r *Recorder) keep(what string, err error) {
	if err == nil {
		return
	}
	err = fmt.Errorf("record %s: %w", what, err)
	monitoring.Logf("db: %v", err)
	if r.err == nil {
		r.err = err
	}
}

func (r *Recorder) OnSlsCompleted(e events.SlsCompleted) {
	r.keep("sls completion", r.insertCompleted(e))
}

func (r *Recorder) insertCompleted(e events.SlsCompleted) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var rxAnt, rxSec, rxSNR interface{}
	if e.BestRx != nil {
		rxAnt, rxSec, rxSNR = int(e.BestRx.Antenna), int(e.BestRx.Sector), e.BestRxSNR
	}
	_, err = tx.Exec(`INSERT INTO sls_sessions (
			session_id, run_id, station, peer, role, outcome, at_ns, retries,
			best_tx_antenna, best_tx_sector, best_tx_snr_db,
			best_rx_antenna, best_rx_sector, best_rx_snr_db
		) VALUES (?, ?, ?, ?, ?, 'completed', ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SessionID, r.runID, e.Station.String(), e.Peer.String(), e.Role.String(), int64(e.At), e.Retries,
		int(e.BestTx.Antenna), int(e.BestTx.Sector), e.BestTxSNR,
		rxAnt, rxSec, rxSNR,
	)
	if err != nil {
		return err
	}
	if err := insertSamples(tx, e.SessionID, e.Station, "tx", e.TxSamples); err != nil {
		return err
	}
	if err := insertSamples(tx, e.SessionID, e.Station, "rx", e.RxSamples); err != nil {
		return err
	}
	return tx.Commit()
}

func insertSamples(tx *sql.Tx, sessionID string, station dmg.Address, direction string, samples []snr.Sample) error {
	if len(samples) == 0 {
		return nil
	}
	stmt, err := tx.Prepare(`INSERT INTO snr_samples (
			session_id, station, direction, seq, antenna, sector, snr_db
		) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, s := range samples {
		if _, err := stmt.Exec(sessionID, station.String(), direction, i, int(s.Config.Antenna), int(s.Config.Sector), s.SNR); err != nil {
			return err
		}
	}
	return nil
}

func (r *Recorder) OnSlsFailed(e events.SlsFailed) {
	_, err := r.db.Exec(`INSERT INTO sls_sessions (
			session_id, run_id, station, peer, role, outcome, at_ns, retries, reason
		) VALUES (?, ?, ?, ?, ?, 'failed', ?, ?, ?)`,
		e.SessionID, r.runID, e.Station.String(), e.Peer.String(), e.Role.String(), int64(e.At), e.Retries, e.Reason,
	)
	r.keep("sls failure", err)
}

func (r *Recorder) OnBrpCompleted(e events.BrpCompleted) {
	_, err := r.db.Exec(`INSERT INTO brp_results (
			session_id, run_id, station, peer, role, outcome, at_ns,
			tx_units, rx_units, best_tx_awv, best_rx_awv, best_snr_db
		) VALUES (?, ?, ?, ?, ?, 'completed', ?, ?, ?, ?, ?, ?)`,
		e.SessionID, r.runID, e.Station.String(), e.Peer.String(), e.Role.String(), int64(e.At),
		e.TxUnits, e.RxUnits, e.BestTxAWV, e.BestRxAWV, e.BestSNR,
	)
	r.keep("brp completion", err)
}

func (r *Recorder) OnBrpFailed(e events.BrpFailed) {
	_, err := r.db.Exec(`INSERT INTO brp_results (
			session_id, run_id, station, peer, role, outcome, at_ns, reason
		) VALUES (?, ?, ?, ?, ?, 'failed', ?, ?)`,
		e.SessionID, r.runID, e.Station.String(), e.Peer.String(), dmg.Initiator.String(), int64(e.At), e.Reason,
	)
	r.keep("brp failure", err)
}

func (r *Recorder) OnBeamLinkExpired(e events.BeamLinkExpired) {
	_, err := r.db.Exec(`INSERT INTO link_events (run_id, station, peer, kind, master, at_ns)
		VALUES (?, ?, ?, 'beam_link_expired', ?, ?)`,
		r.runID, e.Station.String(), e.Peer.String(), e.Master, int64(e.At),
	)
	r.keep("link expiry", err)
}

func (r *Recorder) OnSessionSuspended(e events.SessionSuspended) {
	kind := "suspended"
	if e.Discarded {
		kind = "discarded"
	}
	_, err := r.db.Exec(`INSERT INTO link_events (run_id, station, peer, kind, session_id, phase, at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.runID, e.Station.String(), e.Peer.String(), kind, e.SessionID, e.Phase, int64(e.At),
	)
	r.keep("suspension", err)
}

// SessionRecord is one row of sls_sessions.
type SessionRecord struct {
	SessionID string
	Station   string
	Peer      string
	Role      string
	Outcome   string
	At        time.Duration
	Retries   int
	BestTx    *dmg.AntennaConfiguration
	BestTxSNR float64
	BestRx    *dmg.AntennaConfiguration
	BestRxSNR float64
	Reason    string
}

// Sessions returns the sweep sessions of runID in virtual-time order.
func (db *DB) Sessions(runID string) ([]SessionRecord, error) {
	rows, err := db.Query(`SELECT session_id, station, peer, role, outcome, at_ns, retries,
			best_tx_antenna, best_tx_sector, best_tx_snr_db,
			best_rx_antenna, best_rx_sector, best_rx_snr_db, reason
		FROM sls_sessions WHERE run_id = ? ORDER BY at_ns, station`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var (
			rec          SessionRecord
			atNs         int64
			txAnt, txSec sql.NullInt64
			rxAnt, rxSec sql.NullInt64
			txSNR, rxSNR sql.NullFloat64
			reason       sql.NullString
		)
		if err := rows.Scan(&rec.SessionID, &rec.Station, &rec.Peer, &rec.Role, &rec.Outcome, &atNs, &rec.Retries,
			&txAnt, &txSec, &txSNR, &rxAnt, &rxSec, &rxSNR, &reason); err != nil {
			return nil, err
		}
		rec.At = time.Duration(atNs)
		rec.BestTx = configOrNil(txAnt, txSec)
		rec.BestTxSNR = txSNR.Float64
		rec.BestRx = configOrNil(rxAnt, rxSec)
		rec.BestRxSNR = rxSNR.Float64
		rec.Reason = reason.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

func configOrNil(antenna, sector sql.NullInt64) *dmg.AntennaConfiguration {
	if !antenna.Valid || !sector.Valid {
		return nil
	}
	return &dmg.AntennaConfiguration{Antenna: dmg.AntennaID(antenna.Int64), Sector: dmg.SectorID(sector.Int64)}
}

// Samples returns the transmit and receive SNR samples stored for
// sessionID, in the order they were observed.
func (db *DB) Samples(sessionID string) (tx, rx []snr.Sample, err error) {
	rows, err := db.Query(`SELECT direction, antenna, sector, snr_db FROM snr_samples
		WHERE session_id = ? ORDER BY direction, seq`, sessionID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			direction       string
			antenna, sector int
			s               snr.Sample
		)
		if err := rows.Scan(&direction, &antenna, &sector, &s.SNR); err != nil {
			return nil, nil, err
		}
		s.Config = dmg.AntennaConfiguration{Antenna: dmg.AntennaID(antenna), Sector: dmg.SectorID(sector)}
		if direction == "tx" {
			tx = append(tx, s)
		} else {
			rx = append(rx, s)
		}
	}
	return tx, rx, rows.Err()
}

// LinkEvent is one row of link_events.
type LinkEvent struct {
	Station   string
	Peer      string
	Kind      string
	SessionID string
	Phase     string
	Master    bool
	At        time.Duration
}

// LinkEvents returns the suspensions and link expiries of runID.
func (db *DB) LinkEvents(runID string) ([]LinkEvent, error) {
	rows, err := db.Query(`SELECT station, peer, kind, session_id, phase, master, at_ns
		FROM link_events WHERE run_id = ? ORDER BY at_ns, event_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LinkEvent
	for rows.Next() {
		var (
			ev      LinkEvent
			session sql.NullString
			phase   sql.NullString
			master  sql.NullBool
			atNs    int64
		)
		if err := rows.Scan(&ev.Station, &ev.Peer, &ev.Kind, &session, &phase, &master, &atNs); err != nil {
			return nil, err
		}
		ev.SessionID = session.String
		ev.Phase = phase.String
		ev.Master = master.Bool
		ev.At = time.Duration(atNs)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// BrpRecord is one row of brp_results.
type BrpRecord struct {
	SessionID string
	Station   string
	Role      string
	Outcome   string
	BestTxAWV int
	BestRxAWV int
	BestSNR   float64
	Reason    string
}

// BrpResults returns the refinement outcomes of runID.
func (db *DB) BrpResults(runID string) ([]BrpRecord, error) {
	rows, err := db.Query(`SELECT session_id, station, role, outcome, best_tx_awv, best_rx_awv, best_snr_db, reason
		FROM brp_results WHERE run_id = ? ORDER BY at_ns, station`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BrpRecord
	for rows.Next() {
		var (
			rec    BrpRecord
			best   sql.NullFloat64
			reason sql.NullString
		)
		if err := rows.Scan(&rec.SessionID, &rec.Station, &rec.Role, &rec.Outcome, &rec.BestTxAWV, &rec.BestRxAWV, &best, &reason); err != nil {
			return nil, err
		}
		rec.BestSNR = best.Float64
		rec.Reason = reason.String
		out = append(out, rec)
	}
	return out, rows.Err()
}
