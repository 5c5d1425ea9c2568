package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/packhouse-labs/fulfillment-core/pkg/model"
)

// FindFingerprintByHash returns the fingerprint with the given signature
// hash, or ErrNotFound.
func (s *Store) FindFingerprintByHash(ctx context.Context, hash string) (*model.Fingerprint, error) {
	query := `SELECT id, signature, signature_hash, display_name, item_count,
			total_weight, weight_unit, created_at
		FROM fingerprints WHERE signature_hash = $1`
	var fp model.Fingerprint
	err := s.db.QueryRowContext(ctx, query, hash).Scan(&fp.ID, &fp.Signature,
		&fp.SignatureHash, &fp.DisplayName, &fp.ItemCount, &fp.TotalWeight,
		&fp.WeightUnit, &fp.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &fp, nil
}

// GetFingerprint loads one fingerprint by id.
func (s *Store) GetFingerprint(ctx context.Context, id int64) (*model.Fingerprint, error) {
	query := `SELECT id, signature, signature_hash, display_name, item_count,
			total_weight, weight_unit, created_at
		FROM fingerprints WHERE id = $1`
	var fp model.Fingerprint
	err := s.db.QueryRowContext(ctx, query, id).Scan(&fp.ID, &fp.Signature,
		&fp.SignatureHash, &fp.DisplayName, &fp.ItemCount, &fp.TotalWeight,
		&fp.WeightUnit, &fp.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &fp, nil
}

// CreateFingerprint inserts a fingerprint, tolerating a concurrent insert of
// the same signature: on conflict the existing row is returned. The caller
// learns whether the row is new from the Created flag.
func (s *Store) CreateFingerprint(ctx context.Context, fp *model.Fingerprint) (created bool, err error) {
	query := `INSERT INTO fingerprints (signature, signature_hash, display_name,
			item_count, total_weight, weight_unit)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (signature_hash) DO NOTHING
		RETURNING id, created_at`
	err = s.db.QueryRowContext(ctx, query, fp.Signature, fp.SignatureHash,
		fp.DisplayName, fp.ItemCount, fp.TotalWeight, fp.WeightUnit).
		Scan(&fp.ID, &fp.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		// Lost the race; load the winner.
		existing, ferr := s.FindFingerprintByHash(ctx, fp.SignatureHash)
		if ferr != nil {
			return false, fmt.Errorf("reload fingerprint %s: %w", fp.SignatureHash, ferr)
		}
		*fp = *existing
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create fingerprint: %w", err)
	}
	return true, nil
}

// GetFingerprintModel returns the persistent packaging decision for a
// fingerprint, or ErrNotFound when no operator has confirmed one.
func (s *Store) GetFingerprintModel(ctx context.Context, fingerprintID int64) (*model.FingerprintModel, error) {
	query := `SELECT id, fingerprint_id, packaging_type_id, created_by, created_at
		FROM fingerprint_models WHERE fingerprint_id = $1`
	var fm model.FingerprintModel
	err := s.db.QueryRowContext(ctx, query, fingerprintID).Scan(&fm.ID,
		&fm.FingerprintID, &fm.PackagingTypeID, &fm.CreatedBy, &fm.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &fm, nil
}

// CreateFingerprintModel records an operator's packaging confirmation. The
// unique constraint keeps one decision per fingerprint.
func (s *Store) CreateFingerprintModel(ctx context.Context, fm *model.FingerprintModel) error {
	query := `INSERT INTO fingerprint_models (fingerprint_id, packaging_type_id, created_by)
		VALUES ($1, $2, $3)
		ON CONFLICT (fingerprint_id) DO NOTHING
		RETURNING id, created_at`
	err := s.db.QueryRowContext(ctx, query, fm.FingerprintID, fm.PackagingTypeID, fm.CreatedBy).
		Scan(&fm.ID, &fm.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil // an earlier decision stands
	}
	return err
}

// GetPackagingType loads one packaging catalog row.
func (s *Store) GetPackagingType(ctx context.Context, id int64) (*model.PackagingType, error) {
	query := `SELECT id, name, station_type, length_in, width_in, height_in,
			max_weight_oz, active
		FROM packaging_types WHERE id = $1`
	var pt model.PackagingType
	err := s.db.QueryRowContext(ctx, query, id).Scan(&pt.ID, &pt.Name,
		&pt.StationType, &pt.LengthIn, &pt.WidthIn, &pt.HeightIn,
		&pt.MaxWeightOz, &pt.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &pt, nil
}

// FirstActiveStation returns the lowest-id active station of a station
// type, the default station for packaging auto-assignment.
func (s *Store) FirstActiveStation(ctx context.Context, stationType string) (*model.Station, error) {
	query := `SELECT id, name, station_type, active FROM stations
		WHERE station_type = $1 AND active ORDER BY id LIMIT 1`
	var st model.Station
	err := s.db.QueryRowContext(ctx, query, stationType).Scan(&st.ID, &st.Name,
		&st.StationType, &st.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &st, nil
}
