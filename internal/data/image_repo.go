package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudigrade/cloudigrade/internal/core"
	"github.com/cloudigrade/cloudigrade/internal/domain/model"
	apperrors "github.com/cloudigrade/cloudigrade/internal/errors"
)

// ImageRepo stores machine images, AMI copies and inspection attempts.
type ImageRepo struct {
	q  Querier
	tp TimeProvider
}

// NewImageRepo creates an ImageRepo on q.
func NewImageRepo(q Querier, tp TimeProvider) *ImageRepo {
	if tp == nil {
		tp = RealTimeProvider{}
	}
	return &ImageRepo{q: q, tp: tp}
}

const imageColumns = `
  mi.id, mi.ec2_ami_id, mi.status, mi.platform, mi.name, mi.owner_aws_account_id, mi.region,
  mi.is_encrypted, mi.is_marketplace, mi.is_cloud_access, mi.rhel_detected_by_tag,
  mi.openshift_detected, mi.inspection_json, mi.created_at, mi.updated_at
`

func imageDest(m *model.MachineImage, name, owner, region *sql.NullString, inspection *[]byte) []any {
	return []any{
		&m.ID, &m.EC2AMIID, &m.Status, &m.Platform, name, owner, region,
		&m.IsEncrypted, &m.IsMarketplace, &m.IsCloudAccess, &m.RHELDetectedByTag,
		&m.OpenShiftDetected, inspection, &m.CreatedAt, &m.UpdatedAt,
	}
}

func scanImage(s rowScanner, extra ...any) (*model.MachineImage, error) {
	m := &model.MachineImage{}
	var name, owner, region sql.NullString
	var inspection []byte
	dest := append(imageDest(m, &name, &owner, &region, &inspection), extra...)
	if err := s.Scan(dest...); err != nil {
		return nil, err
	}
	m.Name = nullString(name)
	m.OwnerAWSAccountID = nullString(owner)
	m.Region = nullString(region)
	if len(inspection) > 0 {
		m.InspectionJSON = append([]byte(nil), inspection...)
	}
	return m, nil
}

func (r *ImageRepo) getOne(ctx context.Context, where string, arg any) (*model.MachineImage, error) {
	m, err := scanImage(r.q.QueryRowContext(ctx, `SELECT `+imageColumns+` FROM machine_images mi WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrImageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get machine image: %w", err)
	}
	return m, nil
}

// GetByID returns the image with id.
func (r *ImageRepo) GetByID(ctx context.Context, id int64) (*model.MachineImage, error) {
	return r.getOne(ctx, "mi.id = $1", id)
}

// GetByAMIID returns the image for an EC2 AMI id.
func (r *ImageRepo) GetByAMIID(ctx context.Context, amiID string) (*model.MachineImage, error) {
	return r.getOne(ctx, "mi.ec2_ami_id = $1", amiID)
}

// GetByAMIIDs returns the known images among amiIDs keyed by AMI id.
func (r *ImageRepo) GetByAMIIDs(ctx context.Context, amiIDs []string) (map[string]*model.MachineImage, error) {
	out := make(map[string]*model.MachineImage, len(amiIDs))
	if len(amiIDs) == 0 {
		return out, nil
	}
	rows, err := r.q.QueryContext(ctx, `SELECT `+imageColumns+` FROM machine_images mi WHERE mi.ec2_ami_id = ANY($1)`, amiIDs)
	if err != nil {
		return nil, fmt.Errorf("query machine images: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		m, err := scanImage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan machine image: %w", err)
		}
		out[m.EC2AMIID] = m
	}
	return out, rows.Err()
}

// Create inserts img with status unless its AMI id is already stored, in which
// case the existing row is returned with created=false.
func (r *ImageRepo) Create(
	ctx context.Context,
	img model.NewMachineImage,
	status model.ImageStatus,
) (*model.MachineImage, bool, error) {
	if !status.Valid() {
		return nil, false, apperrors.ValidationField("status", fmt.Sprintf("invalid image status %q", status))
	}
	platform := model.PlatformNone
	if img.Windows {
		platform = model.PlatformWindows
	}
	now := r.tp.Now()
	m, err := scanImage(r.q.QueryRowContext(ctx, `
		INSERT INTO machine_images AS mi (
		  ec2_ami_id, status, platform, name, owner_aws_account_id, region,
		  is_marketplace, is_cloud_access, rhel_detected_by_tag, openshift_detected,
		  created_at, updated_at
		) VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), $7, $8, $9, $10, $11, $11)
		ON CONFLICT (ec2_ami_id) DO NOTHING
		RETURNING `+imageColumns,
		img.EC2AMIID, status, platform, img.Name, img.OwnerAWSAccountID, img.Region,
		img.IsMarketplace(), img.IsCloudAccess(), img.RHEL, img.OpenShift, now))
	if err == nil {
		return m, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("insert machine image: %w", apperrors.MapDBError(err))
	}
	m, err = r.GetByAMIID(ctx, img.EC2AMIID)
	if err != nil {
		return nil, false, err
	}
	return m, false, nil
}

// CreateUnavailable stores a stub for an AMI that could not be described.
func (r *ImageRepo) CreateUnavailable(ctx context.Context, amiID string) (*model.MachineImage, error) {
	m, _, err := r.Create(ctx, model.NewMachineImage{EC2AMIID: amiID}, model.ImageStatusUnavailable)
	return m, err
}

// Update applies params to the image with amiID and reports whether it exists.
func (r *ImageRepo) Update(ctx context.Context, amiID string, p core.UpdateImageParams) (bool, error) {
	sets := []string{"updated_at = $2"}
	args := []any{amiID, r.tp.Now()}
	if p.Status != nil {
		args = append(args, *p.Status)
		sets = append(sets, fmt.Sprintf("status = $%d", len(args)))
	}
	if p.IsEncrypted != nil {
		args = append(args, *p.IsEncrypted)
		sets = append(sets, fmt.Sprintf("is_encrypted = $%d", len(args)))
	}
	if p.IsMarketplace != nil {
		args = append(args, *p.IsMarketplace)
		sets = append(sets, fmt.Sprintf("is_marketplace = $%d", len(args)))
	}
	if p.InspectionJSON != nil {
		args = append(args, p.InspectionJSON)
		sets = append(sets, fmt.Sprintf("inspection_json = $%d", len(args)))
	}
	res, err := r.q.ExecContext(ctx,
		`UPDATE machine_images SET `+strings.Join(sets, ", ")+` WHERE ec2_ami_id = $1`, args...)
	if err != nil {
		return false, fmt.Errorf("update machine image: %w", apperrors.MapDBError(err))
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetTagFlags sets the tag-derived flags on every image in amiIDs.
func (r *ImageRepo) SetTagFlags(ctx context.Context, amiIDs []string, flags core.TagFlags) error {
	if len(amiIDs) == 0 || (flags.RHEL == nil && flags.OpenShift == nil) {
		return nil
	}
	_, err := r.q.ExecContext(ctx, `
		UPDATE machine_images
		SET rhel_detected_by_tag = COALESCE($2, rhel_detected_by_tag),
		    openshift_detected = COALESCE($3, openshift_detected),
		    updated_at = $4
		WHERE ec2_ami_id = ANY($1)
	`, amiIDs, flags.RHEL, flags.OpenShift, r.tp.Now())
	if err != nil {
		return fmt.Errorf("set image tag flags: %w", err)
	}
	return nil
}

// AddInspectionStart records one inspection attempt.
func (r *ImageRepo) AddInspectionStart(ctx context.Context, imageID int64) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO machine_image_inspection_start (machine_image_id, created_at) VALUES ($1, $2)`,
		imageID, r.tp.Now())
	if err != nil {
		return fmt.Errorf("add inspection start: %w", apperrors.MapDBError(err))
	}
	return nil
}

// CountInspectionStarts returns how many inspections were attempted for the image.
func (r *ImageRepo) CountInspectionStarts(ctx context.Context, imageID int64) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx,
		`SELECT count(*) FROM machine_image_inspection_start WHERE machine_image_id = $1`, imageID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count inspection starts: %w", err)
	}
	return n, nil
}

// CreateCopy links an AMI copied into a customer account to its reference image.
func (r *ImageRepo) CreateCopy(ctx context.Context, c model.MachineImageCopy) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO machine_image_copies (ec2_ami_id, reference_machine_image_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (ec2_ami_id) DO NOTHING
	`, c.EC2AMIID, c.ReferenceMachineImageID, r.tp.Now())
	if err != nil {
		return fmt.Errorf("create machine image copy: %w", apperrors.MapDBError(err))
	}
	return nil
}

// ListRestartable returns in-progress images last updated before the cutoff
// together with the ARN and region of one instance using each.
func (r *ImageRepo) ListRestartable(ctx context.Context, before time.Time) ([]model.RestartableImage, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT DISTINCT ON (mi.id) `+imageColumns+`, aws.account_arn, i.region
		FROM machine_images mi
		JOIN instances i ON i.machine_image_id = mi.id
		JOIN aws_cloud_accounts aws ON aws.cloud_account_id = i.cloud_account_id
		WHERE mi.status IN ('pending', 'preparing', 'inspecting')
		  AND mi.updated_at < $1
		  AND i.region <> ''
		ORDER BY mi.id, i.id
	`, before.UTC())
	if err != nil {
		return nil, fmt.Errorf("query restartable images: %w", err)
	}
	defer rows.Close()
	var out []model.RestartableImage
	for rows.Next() {
		var ri model.RestartableImage
		m, err := scanImage(rows, &ri.ARN, &ri.Region)
		if err != nil {
			return nil, fmt.Errorf("scan restartable image: %w", err)
		}
		ri.Image = m
		out = append(out, ri)
	}
	return out, rows.Err()
}

// List returns images ordered by id. With UserID set, only images used by the
// user's instances are returned.
func (r *ImageRepo) List(ctx context.Context, opts model.ImageListOptions) ([]*model.MachineImage, error) {
	clauses := []string{"TRUE"}
	var args []any
	if opts.UserID != nil {
		args = append(args, *opts.UserID)
		clauses = append(clauses, fmt.Sprintf(`EXISTS (
			SELECT 1 FROM instances i
			JOIN cloud_accounts ca ON ca.id = i.cloud_account_id
			WHERE i.machine_image_id = mi.id AND ca.user_id = $%d)`, len(args)))
	}
	if opts.ImageID != nil {
		args = append(args, *opts.ImageID)
		clauses = append(clauses, fmt.Sprintf("mi.id = $%d", len(args)))
	}
	if len(opts.Statuses) > 0 {
		statuses := make([]string, 0, len(opts.Statuses))
		for _, s := range opts.Statuses {
			statuses = append(statuses, string(s))
		}
		args = append(args, statuses)
		clauses = append(clauses, fmt.Sprintf("mi.status = ANY($%d)", len(args)))
	}
	if opts.CreatedBefore != nil {
		args = append(args, opts.CreatedBefore.UTC())
		clauses = append(clauses, fmt.Sprintf("mi.created_at < $%d", len(args)))
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 1000
	}
	args = append(args, limit, max(opts.Offset, 0))
	query := fmt.Sprintf(`SELECT %s FROM machine_images mi WHERE %s ORDER BY mi.id LIMIT $%d OFFSET $%d`,
		imageColumns, strings.Join(clauses, " AND "), len(args)-1, len(args))

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list machine images: %w", err)
	}
	defer rows.Close()
	var out []*model.MachineImage
	for rows.Next() {
		m, err := scanImage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan machine image: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
