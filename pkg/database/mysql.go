package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/traklist/server/pkg/models"
)

// MySQLDB stores closed-room history. Live room state never touches it.
type MySQLDB struct {
	*gorm.DB
}

type Config struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"-"`
	Database string `json:"database"`
}

func (c Config) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

func NewMySQLDB(cfg Config, log logrus.FieldLogger) (*MySQLDB, error) {
	db, err := Open(mysql.Open(cfg.DSN()), log)
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return db, nil
}

// Open connects through any gorm dialector and migrates the history schema.
func Open(dialector gorm.Dialector, log logrus.FieldLogger) (*MySQLDB, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	log.Info("running history migrations")
	if err := autoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &MySQLDB{DB: db}, nil
}

func autoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.RoomSession{},
		&models.PlayedTrack{},
	)
}

func (db *MySQLDB) RecordSession(ctx context.Context, session *models.RoomSession) error {
	if session.ID == uuid.Nil {
		session.ID = uuid.New()
	}
	return db.WithContext(ctx).Create(session).Error
}

func (db *MySQLDB) RecordPlayedTrack(ctx context.Context, track *models.PlayedTrack) error {
	if track.ID == uuid.Nil {
		track.ID = uuid.New()
	}
	return db.WithContext(ctx).Create(track).Error
}

func (db *MySQLDB) RecentSessions(ctx context.Context, limit int) ([]*models.RoomSession, error) {
	var sessions []*models.RoomSession
	if err := db.WithContext(ctx).
		Order("closed_at DESC").
		Limit(limit).
		Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

func (db *MySQLDB) PlayedTracks(ctx context.Context, roomCode string) ([]*models.PlayedTrack, error) {
	var tracks []*models.PlayedTrack
	if err := db.WithContext(ctx).
		Where("room_code = ?", roomCode).
		Order("started_at ASC").
		Find(&tracks).Error; err != nil {
		return nil, err
	}
	return tracks, nil
}

func (db *MySQLDB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
