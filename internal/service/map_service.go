package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/zmigrate/internal/domain"
	"github.com/zzenonn/zmigrate/internal/planner"
	"github.com/zzenonn/zmigrate/internal/rclone"
)

// RemoteLister enumerates units and their files at the source remote.
type RemoteLister interface {
	ListDirs(ctx context.Context, remotePath string) ([]string, error)
	ListFiles(ctx context.Context, remotePath string) ([]rclone.Entry, error)
}

// MapOptions tunes the manifest builder.
type MapOptions struct {
	Prefix             string
	SourceRemote       string
	LargeFileThreshold int64
}

// MapService inventories the source remote and publishes per-unit manifests
// plus the unit index the pack phase consumes.
type MapService struct {
	repo   StagingRepository
	lister RemoteLister
	opts   MapOptions
}

// NewMapService creates a new MapService instance
func NewMapService(repo StagingRepository, lister RemoteLister, opts MapOptions) *MapService {
	return &MapService{repo: repo, lister: lister, opts: opts}
}

// MapAll inventories every top-level unit and publishes its manifests along
// with the unit index.
func (s *MapService) MapAll(ctx context.Context) error {
	units, err := s.lister.ListDirs(ctx, s.opts.SourceRemote)
	if err != nil {
		return err
	}
	if len(units) == 0 {
		log.WithField("remote", s.opts.SourceRemote).Warn("No units found at source remote")
		return nil
	}

	var failed int
	for _, unit := range units {
		if err := s.MapUnit(ctx, unit); err != nil {
			log.WithFields(log.Fields{"unit": unit, "error": err}).Error("Failed to map unit")
			failed++
		}
	}

	if err := s.publishIndex(ctx, units); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d unit(s) failed to map", failed, len(units))
	}
	return nil
}

// MapUnit lists one unit's tree and publishes its file list and large-file
// manifest, classifying each file against the size threshold.
func (s *MapService) MapUnit(ctx context.Context, name string) error {
	entries, err := s.lister.ListFiles(ctx, s.opts.SourceRemote+"/"+name)
	if err != nil {
		return err
	}

	unit := domain.Unit{Name: name}
	for _, e := range entries {
		if e.Size >= s.opts.LargeFileThreshold {
			unit.LargeFiles = append(unit.LargeFiles, domain.LargeFile{
				Path:   e.Path,
				Size:   e.Size,
				SizeGB: float64(e.Size) / (1 << 30),
			})
		} else {
			unit.Files = append(unit.Files, e.Path)
		}
	}

	var sb strings.Builder
	for _, f := range unit.Files {
		sb.WriteString(f)
		sb.WriteByte('\n')
	}
	if _, err := s.repo.Upload(ctx, planner.ListKey(s.opts.Prefix, name), strings.NewReader(sb.String()), true); err != nil {
		return fmt.Errorf("failed to upload file list: %w", err)
	}

	if len(unit.LargeFiles) > 0 {
		data, err := json.MarshalIndent(unit.LargeFiles, "", "  ")
		if err != nil {
			return err
		}
		if _, err := s.repo.Upload(ctx, planner.LargeFilesKey(s.opts.Prefix, name), strings.NewReader(string(data)), true); err != nil {
			return fmt.Errorf("failed to upload large-file manifest: %w", err)
		}
	}

	log.WithFields(log.Fields{
		"unit":        name,
		"files":       len(unit.Files),
		"large_files": len(unit.LargeFiles),
	}).Info("Unit mapped")
	return nil
}

func (s *MapService) publishIndex(ctx context.Context, units []string) error {
	var sb strings.Builder
	for _, u := range units {
		sb.WriteString(u)
		sb.WriteByte('\n')
	}
	if _, err := s.repo.Upload(ctx, planner.IndexKey(s.opts.Prefix), strings.NewReader(sb.String()), true); err != nil {
		return fmt.Errorf("failed to upload unit index: %w", err)
	}
	log.WithField("units", len(units)).Info("Unit index published")
	return nil
}
