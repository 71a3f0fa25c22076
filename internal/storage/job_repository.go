package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tubemp3/internal/models"
)

// JobRepository はジョブのデータアクセス層
type JobRepository struct {
	db *DB
}

// NewJobRepository は新しいJobRepositoryを作成
func NewJobRepository(db *DB) *JobRepository {
	return &JobRepository{db: db}
}

const jobColumns = `id, url, state, percent, download_percent, convert_percent, stage_percent,
	download_eta, convert_eta, message, error_message,
	title, duration_seconds, author, thumbnail,
	output_file, output_path, output_size, waiting,
	created_at, updated_at, started_at, completed_at,
	separation_state, separation_percent, separation_message, separation_error, stems`

// jobRow は youtube_jobs テーブルの1行
type jobRow struct {
	ID                string
	URL               string
	State             string
	Percent           float64
	DownloadPercent   float64
	ConvertPercent    float64
	StagePercent      float64
	DownloadETA       sql.NullInt64
	ConvertETA        sql.NullInt64
	Message           sql.NullString
	ErrorMessage      sql.NullString
	Title             sql.NullString
	DurationSeconds   sql.NullFloat64
	Author            sql.NullString
	Thumbnail         sql.NullString
	OutputFile        sql.NullString
	OutputPath        sql.NullString
	OutputSize        sql.NullInt64
	Waiting           bool
	CreatedAt         int64
	UpdatedAt         int64
	StartedAt         sql.NullInt64
	CompletedAt       sql.NullInt64
	SeparationState   string
	SeparationPercent float64
	SeparationMessage sql.NullString
	SeparationError   sql.NullString
	Stems             sql.NullString
}

// stemRow keeps the path, which the API view hides.
type stemRow struct {
	Name string `json:"name"`
	File string `json:"file"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}

func (r *jobRow) scanArgs() []any {
	return []any{
		&r.ID, &r.URL, &r.State, &r.Percent, &r.DownloadPercent, &r.ConvertPercent, &r.StagePercent,
		&r.DownloadETA, &r.ConvertETA, &r.Message, &r.ErrorMessage,
		&r.Title, &r.DurationSeconds, &r.Author, &r.Thumbnail,
		&r.OutputFile, &r.OutputPath, &r.OutputSize, &r.Waiting,
		&r.CreatedAt, &r.UpdatedAt, &r.StartedAt, &r.CompletedAt,
		&r.SeparationState, &r.SeparationPercent, &r.SeparationMessage, &r.SeparationError, &r.Stems,
	}
}

func (r *jobRow) values() []any {
	return []any{
		r.ID, r.URL, r.State, r.Percent, r.DownloadPercent, r.ConvertPercent, r.StagePercent,
		r.DownloadETA, r.ConvertETA, r.Message, r.ErrorMessage,
		r.Title, r.DurationSeconds, r.Author, r.Thumbnail,
		r.OutputFile, r.OutputPath, r.OutputSize, r.Waiting,
		r.CreatedAt, r.UpdatedAt, r.StartedAt, r.CompletedAt,
		r.SeparationState, r.SeparationPercent, r.SeparationMessage, r.SeparationError, r.Stems,
	}
}

// toRow はジョブを行に変換する
func toRow(job *models.Job) (jobRow, error) {
	row := jobRow{
		ID:                job.ID,
		URL:               job.URL,
		State:             string(job.State),
		Percent:           job.Percent,
		DownloadPercent:   job.DownloadPercent,
		ConvertPercent:    job.ConvertPercent,
		StagePercent:      job.StagePercent,
		DownloadETA:       nullInt(job.DownloadETA),
		ConvertETA:        nullInt(job.ConvertETA),
		Message:           nullString(job.Message),
		ErrorMessage:      nullString(job.Error),
		Title:             nullString(job.Title),
		Author:            nullString(job.Author),
		Thumbnail:         nullString(job.Thumbnail),
		Waiting:           job.Waiting,
		CreatedAt:         job.CreatedAt.UnixMilli(),
		UpdatedAt:         job.UpdatedAt.UnixMilli(),
		StartedAt:         nullTime(job.StartedAt),
		CompletedAt:       nullTime(job.CompletedAt),
		SeparationState:   string(job.Separation.State),
		SeparationPercent: job.Separation.Percent,
		SeparationMessage: nullString(job.Separation.Message),
		SeparationError:   nullString(job.Separation.Error),
	}
	if job.Duration > 0 {
		row.DurationSeconds = sql.NullFloat64{Float64: job.Duration, Valid: true}
	}
	if job.Result != nil {
		row.OutputFile = nullString(job.Result.FileName)
		row.OutputPath = nullString(job.Result.Path)
		row.OutputSize = sql.NullInt64{Int64: job.Result.Size, Valid: true}
	}
	if row.SeparationState == "" {
		row.SeparationState = string(models.SeparationIdle)
	}
	if len(job.Separation.Stems) > 0 {
		stems := make([]stemRow, len(job.Separation.Stems))
		for i, s := range job.Separation.Stems {
			stems[i] = stemRow{Name: s.Name, File: s.File, Path: s.Path, Size: s.Size}
		}
		data, err := json.Marshal(stems)
		if err != nil {
			return jobRow{}, fmt.Errorf("failed to marshal stems: %w", err)
		}
		row.Stems = sql.NullString{String: string(data), Valid: true}
	}
	return row, nil
}

// fromRow は行をジョブに変換する
func fromRow(row jobRow) (*models.Job, error) {
	job := &models.Job{
		ID:              row.ID,
		URL:             row.URL,
		State:           models.State(row.State),
		Percent:         row.Percent,
		DownloadPercent: row.DownloadPercent,
		ConvertPercent:  row.ConvertPercent,
		StagePercent:    row.StagePercent,
		DownloadETA:     intPtr(row.DownloadETA),
		ConvertETA:      intPtr(row.ConvertETA),
		Message:         row.Message.String,
		Error:           row.ErrorMessage.String,
		Metadata: models.Metadata{
			Title:     row.Title.String,
			Duration:  row.DurationSeconds.Float64,
			Author:    row.Author.String,
			Thumbnail: row.Thumbnail.String,
		},
		Waiting:     row.Waiting,
		CreatedAt:   time.UnixMilli(row.CreatedAt),
		UpdatedAt:   time.UnixMilli(row.UpdatedAt),
		StartedAt:   timePtr(row.StartedAt),
		CompletedAt: timePtr(row.CompletedAt),
		Separation: models.Separation{
			State:   models.SeparationState(row.SeparationState),
			Percent: row.SeparationPercent,
			Message: row.SeparationMessage.String,
			Error:   row.SeparationError.String,
		},
	}
	if !job.State.Valid() {
		return nil, fmt.Errorf("job %s has unknown state %q", row.ID, row.State)
	}
	if row.OutputPath.Valid && row.OutputPath.String != "" {
		job.Result = &models.Result{
			FileName: row.OutputFile.String,
			Path:     row.OutputPath.String,
			Size:     row.OutputSize.Int64,
			Title:    row.Title.String,
			Duration: row.DurationSeconds.Float64,
		}
	}
	if job.Separation.State == "" {
		job.Separation.State = models.SeparationIdle
	}
	if row.Stems.Valid && row.Stems.String != "" {
		var stems []stemRow
		if err := json.Unmarshal([]byte(row.Stems.String), &stems); err != nil {
			return nil, fmt.Errorf("failed to parse stems of job %s: %w", row.ID, err)
		}
		for _, s := range stems {
			job.Separation.Stems = append(job.Separation.Stems, models.Stem{
				Name: s.Name, File: s.File, Path: s.Path, Size: s.Size,
			})
		}
	}
	return job, nil
}

// Save はジョブの行全体を書き込む (upsert)
func (r *JobRepository) Save(ctx context.Context, job *models.Job) error {
	row, err := toRow(job)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO youtube_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			url = excluded.url,
			state = excluded.state,
			percent = excluded.percent,
			download_percent = excluded.download_percent,
			convert_percent = excluded.convert_percent,
			stage_percent = excluded.stage_percent,
			download_eta = excluded.download_eta,
			convert_eta = excluded.convert_eta,
			message = excluded.message,
			error_message = excluded.error_message,
			title = excluded.title,
			duration_seconds = excluded.duration_seconds,
			author = excluded.author,
			thumbnail = excluded.thumbnail,
			output_file = excluded.output_file,
			output_path = excluded.output_path,
			output_size = excluded.output_size,
			waiting = excluded.waiting,
			updated_at = excluded.updated_at,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			separation_state = excluded.separation_state,
			separation_percent = excluded.separation_percent,
			separation_message = excluded.separation_message,
			separation_error = excluded.separation_error,
			stems = excluded.stems`,
		row.values()...)
	if err != nil {
		return fmt.Errorf("failed to save job %s: %w", job.ID, err)
	}
	return nil
}

// GetByID はIDでジョブを取得
func (r *JobRepository) GetByID(ctx context.Context, id string) (*models.Job, error) {
	var row jobRow
	err := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM youtube_jobs WHERE id = ?`, id).
		Scan(row.scanArgs()...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return fromRow(row)
}

// List は全ジョブを新しい順に取得
func (r *JobRepository) List(ctx context.Context) ([]*models.Job, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM youtube_jobs ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		var row jobRow
		if err := rows.Scan(row.scanArgs()...); err != nil {
			return nil, err
		}
		job, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Delete はジョブを削除し、行が存在したかを返す
func (r *JobRepository) Delete(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM youtube_jobs WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CountByState はステータスごとのジョブ数を取得
func (r *JobRepository) CountByState(ctx context.Context) (map[models.State]int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM youtube_jobs GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[models.State]int64)
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[models.State(state)] = n
	}
	return counts, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
