package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

// All returns the ordered set of schema migrations.
func All() []*goose.Migration {
	return []*goose.Migration{
		goose.NewGoMigration(1, &goose.GoFunc{RunTx: upInit}, &goose.GoFunc{RunTx: downInit}),
	}
}

type Run struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey"`
	Event       string     `gorm:"type:text;not null"`
	Ref         string     `gorm:"type:text;not null"`
	Commit      string     `gorm:"type:text"`
	State       string     `gorm:"type:text;not null;index"`
	Error       string     `gorm:"type:text"`
	ReleaseTag  string     `gorm:"type:text"`
	StartedAt   time.Time  `gorm:"type:timestamptz;not null;default:now()"`
	FinishedAt  *time.Time `gorm:"type:timestamptz"`
	Transitions []RunTransition
}

type RunTransition struct {
	ID    int64     `gorm:"type:bigserial;primaryKey"`
	RunID uuid.UUID `gorm:"type:uuid;not null;index"`
	From  string    `gorm:"column:from_state;type:text;not null"`
	To    string    `gorm:"column:to_state;type:text;not null"`
	At    time.Time `gorm:"type:timestamptz;not null;default:now()"`
	Run   Run       `gorm:"foreignKey:RunID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

type Release struct {
	Tag       string            `gorm:"type:text;primaryKey"`
	Title     string            `gorm:"type:text;not null"`
	Body      string            `gorm:"type:text"`
	Commit    string            `gorm:"type:text"`
	Meta      datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt time.Time         `gorm:"type:timestamptz;not null;default:now()"`
	UpdatedAt time.Time         `gorm:"type:timestamptz;not null;default:now()"`
	Assets    []ReleaseAsset    `gorm:"foreignKey:ReleaseTag;references:Tag"`
}

type ReleaseAsset struct {
	ReleaseTag string  `gorm:"type:text;primaryKey"`
	Name       string  `gorm:"type:text;primaryKey"`
	Size       int64   `gorm:"not null"`
	SHA256     string  `gorm:"column:sha256;type:text;not null"`
	Contents   []byte  `gorm:"type:bytea;not null"`
	Release    Release `gorm:"foreignKey:ReleaseTag;references:Tag;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func openTx(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).AutoMigrate(
		&Run{},
		&RunTransition{},
		&Release{},
		&ReleaseAsset{},
	); err != nil {
		return err
	}

	m := gormDB.WithContext(ctx).Migrator()
	if !m.HasConstraint(&RunTransition{}, "Run") {
		if err := m.CreateConstraint(&RunTransition{}, "Run"); err != nil {
			return err
		}
	}
	if !m.HasConstraint(&ReleaseAsset{}, "Release") {
		if err := m.CreateConstraint(&ReleaseAsset{}, "Release"); err != nil {
			return err
		}
	}

	return nil
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(
		&ReleaseAsset{},
		&Release{},
		&RunTransition{},
		&Run{},
	)
}
