// Package patients persists patient records and the triage reports produced
// for their conversations.
package patients

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Patient is a registered patient.
type Patient struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Age       int       `json:"age"`
	Gender    string    `json:"gender,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Report is a finalized triage report for one conversation session.
type Report struct {
	ID             int64     `json:"id"`
	SessionID      string    `json:"session_id"`
	PatientID      string    `json:"patient_id"`
	HealthStatus   string    `json:"health_status"`
	Summary        string    `json:"summary"`
	Symptoms       []string  `json:"symptoms,omitempty"`
	Recommendation string    `json:"recommendation,omitempty"`
	ReportDate     time.Time `json:"report_date"`
	ReportURL      string    `json:"report_url,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// ReportFailure records a session whose report could not be produced, so the
// conversation is not silently lost.
type ReportFailure struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	PatientID string    `json:"patient_id"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// PatientSummary is a patient joined with their most recent report, for the
// overview listing.
type PatientSummary struct {
	Patient
	LatestReport *Report `json:"latest_report,omitempty"`
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	if db == nil {
		panic("patients: db required")
	}
	return &Store{db: db}
}

func (s *Store) GetPatient(ctx context.Context, id string) (*Patient, error) {
	var p Patient
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, age, gender, created_at
		FROM patients WHERE id = $1`, id).Scan(
		&p.ID, &p.Name, &p.Age, &p.Gender, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("patients: get patient: %w", err)
	}
	return &p, nil
}

// ListPatients returns every patient joined with their most recent report.
func (s *Store) ListPatients(ctx context.Context) ([]PatientSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.name, p.age, p.gender, p.created_at,
		       r.id, r.session_id, r.health_status, r.summary, r.symptoms,
		       r.recommendation, r.report_date, r.report_url, r.created_at
		FROM patients p
		LEFT JOIN LATERAL (
			SELECT id, session_id, health_status, summary, symptoms,
			       recommendation, report_date, report_url, created_at
			FROM reports WHERE patient_id = p.id
			ORDER BY report_date DESC LIMIT 1
		) r ON true
		ORDER BY p.name ASC`)
	if err != nil {
		return nil, fmt.Errorf("patients: list patients: %w", err)
	}
	defer rows.Close()

	out := []PatientSummary{}
	for rows.Next() {
		var ps PatientSummary
		var (
			reportID       sql.NullInt64
			sessionID      sql.NullString
			healthStatus   sql.NullString
			summary        sql.NullString
			symptoms       []string
			recommendation sql.NullString
			reportDate     sql.NullTime
			reportURL      sql.NullString
			reportCreated  sql.NullTime
		)
		if err := rows.Scan(&ps.ID, &ps.Name, &ps.Age, &ps.Gender, &ps.CreatedAt,
			&reportID, &sessionID, &healthStatus, &summary, pq.Array(&symptoms),
			&recommendation, &reportDate, &reportURL, &reportCreated); err != nil {
			return nil, fmt.Errorf("patients: scan patient row: %w", err)
		}
		if reportID.Valid {
			ps.LatestReport = &Report{
				ID:             reportID.Int64,
				SessionID:      sessionID.String,
				PatientID:      ps.ID,
				HealthStatus:   healthStatus.String,
				Summary:        summary.String,
				Symptoms:       symptoms,
				Recommendation: recommendation.String,
				ReportDate:     reportDate.Time,
				ReportURL:      reportURL.String,
				CreatedAt:      reportCreated.Time,
			}
		}
		out = append(out, ps)
	}
	return out, rows.Err()
}

// ListReports returns a patient's reports, newest first.
func (s *Store) ListReports(ctx context.Context, patientID string) ([]Report, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, patient_id, health_status, summary, symptoms,
		       recommendation, report_date, report_url, created_at
		FROM reports WHERE patient_id = $1
		ORDER BY report_date DESC`, patientID)
	if err != nil {
		return nil, fmt.Errorf("patients: list reports: %w", err)
	}
	defer rows.Close()

	out := []Report{}
	for rows.Next() {
		var r Report
		var url sql.NullString
		if err := rows.Scan(&r.ID, &r.SessionID, &r.PatientID, &r.HealthStatus,
			&r.Summary, pq.Array(&r.Symptoms), &r.Recommendation, &r.ReportDate,
			&url, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("patients: scan report row: %w", err)
		}
		r.ReportURL = url.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) GetReport(ctx context.Context, id int64) (*Report, error) {
	var r Report
	var url sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, patient_id, health_status, summary, symptoms,
		       recommendation, report_date, report_url, created_at
		FROM reports WHERE id = $1`, id).Scan(
		&r.ID, &r.SessionID, &r.PatientID, &r.HealthStatus, &r.Summary,
		pq.Array(&r.Symptoms), &r.Recommendation, &r.ReportDate, &url, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("patients: get report: %w", err)
	}
	r.ReportURL = url.String
	return &r, nil
}

// CreateReport inserts a report and fills in its generated id.
func (s *Store) CreateReport(ctx context.Context, r *Report) error {
	if r.ReportDate.IsZero() {
		r.ReportDate = time.Now()
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO reports (session_id, patient_id, health_status, summary,
		    symptoms, recommendation, report_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		r.SessionID, r.PatientID, r.HealthStatus, r.Summary,
		pq.Array(r.Symptoms), r.Recommendation, r.ReportDate).Scan(&r.ID)
	if err != nil {
		return fmt.Errorf("patients: create report: %w", err)
	}
	return nil
}

// SetReportURL attaches a rendered document URL to an existing report.
func (s *Store) SetReportURL(ctx context.Context, id int64, url string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE reports SET report_url = $1 WHERE id = $2`, url, id)
	if err != nil {
		return fmt.Errorf("patients: set report url: %w", err)
	}
	return nil
}

// MarkFailed records that no report could be produced for the session.
func (s *Store) MarkFailed(ctx context.Context, f *ReportFailure) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO report_failures (session_id, patient_id, reason)
		VALUES ($1, $2, $3) RETURNING id`,
		f.SessionID, f.PatientID, f.Reason).Scan(&f.ID)
	if err != nil {
		return fmt.Errorf("patients: mark report failed: %w", err)
	}
	return nil
}

// HealthCheck verifies database connectivity.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("patients: ping: %w", err)
	}
	return nil
}
