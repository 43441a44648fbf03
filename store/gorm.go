package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/ZamarianPatrick/lazypig-plantcare/logx"
	"github.com/ZamarianPatrick/lazypig-plantcare/model"
)

type GormStore struct {
	db *gorm.DB
}

func OpenGorm(cfg Config, log logx.Logger) (*GormStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = "./db.sqlite"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: NewGormLogger(log.With(logx.String("comp", "gorm")), cfg.LogLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer; one connection also keeps ":memory:" shared.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	if r := db.Exec("PRAGMA foreign_keys = ON"); r.Error != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", r.Error)
	}

	if err := db.AutoMigrate(&model.Plant{}, &model.WateringEvent{}, &model.WateringSchedule{}, &model.WindowMarker{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &GormStore{db: db}, nil
}

// DB exposes the underlying handle for CRUD collaborators.
func (s *GormStore) DB() *gorm.DB {
	return s.db
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) CreatePlant(ctx context.Context, p *model.Plant) error {
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return fmt.Errorf("inserting plant: %w", err)
	}
	return nil
}

func (s *GormStore) CreateSchedule(ctx context.Context, sch *model.WateringSchedule) error {
	if err := s.db.WithContext(ctx).Create(sch).Error; err != nil {
		return fmt.Errorf("inserting schedule: %w", err)
	}
	return nil
}

func (s *GormStore) ListActivePlants(ctx context.Context) ([]model.Plant, error) {
	var plants []model.Plant
	if err := s.db.WithContext(ctx).Where("active = ?", true).Order("id").Find(&plants).Error; err != nil {
		return nil, fmt.Errorf("listing active plants: %w", err)
	}
	return plants, nil
}

func (s *GormStore) GetPlant(ctx context.Context, id uint64) (*model.Plant, error) {
	var p model.Plant
	if err := s.db.WithContext(ctx).First(&p, id).Error; err != nil {
		return nil, wrapNotFound(err, "getting plant %d", id)
	}
	return &p, nil
}

func (s *GormStore) GetPlantWithHistory(ctx context.Context, id uint64) (*model.Plant, error) {
	var p model.Plant
	err := s.db.WithContext(ctx).
		Preload("WateringHistory", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		First(&p, id).Error
	if err != nil {
		return nil, wrapNotFound(err, "getting plant %d", id)
	}
	return &p, nil
}

func (s *GormStore) RecordWatering(ctx context.Context, plantID, expectedVersion uint64, w Watering) (*model.Plant, error) {
	var plant model.Plant
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current model.Plant
		if err := tx.Select("id", "version", "last_watered").First(&current, plantID).Error; err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return ErrConflict
		}

		res := tx.Model(&model.Plant{}).
			Where("id = ? AND version = ?", plantID, expectedVersion).
			Updates(map[string]interface{}{
				"last_watered":  w.lastWatered(current.LastWatered),
				"soil_moisture": w.Event.MoistureAfter,
				"version":       gorm.Expr("version + 1"),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&model.Plant{}).Where("id = ?", plantID).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return ErrNotFound
			}
			return ErrConflict
		}

		ev := w.Event
		ev.ID = 0
		ev.PlantID = plantID
		if err := tx.Create(&ev).Error; err != nil {
			return err
		}

		if w.Marker != nil {
			var existing int64
			err := tx.Model(&model.WindowMarker{}).
				Where("schedule_id = ? AND day = ?", w.Marker.ScheduleID, w.Marker.Day).
				Count(&existing).Error
			if err != nil {
				return err
			}
			if existing > 0 {
				return ErrConflict
			}
			marker := *w.Marker
			if err := tx.Create(&marker).Error; err != nil {
				return err
			}
		}

		return tx.First(&plant, plantID).Error
	})
	if err != nil {
		return nil, fmt.Errorf("recording watering for plant %d: %w", plantID, err)
	}
	return &plant, nil
}

func (s *GormStore) UpdateEnvironment(ctx context.Context, plantID uint64, temperature, humidity int) error {
	res := s.db.WithContext(ctx).Model(&model.Plant{}).
		Where("id = ?", plantID).
		Updates(map[string]interface{}{"temperature": temperature, "humidity": humidity})
	if res.Error != nil {
		return fmt.Errorf("updating environment of plant %d: %w", plantID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("updating environment of plant %d: %w", plantID, ErrNotFound)
	}
	return nil
}

func (s *GormStore) ListActiveSchedules(ctx context.Context) ([]model.WateringSchedule, error) {
	var schedules []model.WateringSchedule
	if err := s.db.WithContext(ctx).Where("active = ?", true).Order("id").Find(&schedules).Error; err != nil {
		return nil, fmt.Errorf("listing active schedules: %w", err)
	}
	return schedules, nil
}

func (s *GormStore) WindowFired(ctx context.Context, scheduleID uint64, day string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.WindowMarker{}).
		Where("schedule_id = ? AND day = ?", scheduleID, day).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("reading window marker: %w", err)
	}
	return count > 0, nil
}

func wrapNotFound(err error, format string, args ...interface{}) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		err = ErrNotFound
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}
