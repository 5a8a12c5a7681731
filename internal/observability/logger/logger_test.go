package logger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	gormlogger "gorm.io/gorm/logger"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	assert.Error(t, err)
}

func TestNewDefaults(t *testing.T) {
	log, err := New(Config{DeviceID: "pos-01"})
	require.NoError(t, err)
	assert.True(t, log.Core().Enabled(zap.InfoLevel))
	assert.False(t, log.Core().Enabled(zap.DebugLevel))
}

func TestGormLoggerDropsBoundValuesAndReportsErrors(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	gl := NewGormLogger(zap.New(core))

	sql, params := gl.ParamsFilter(context.Background(), "SELECT 1 WHERE temp_id = ?", "secret")
	assert.Equal(t, "SELECT 1 WHERE temp_id = ?", sql)
	assert.Nil(t, params)

	gl.Trace(context.Background(), time.Now(), func() (string, int64) {
		return "INSERT INTO offline_sales", 0
	}, errors.New("disk I/O error"))
	gl.Trace(context.Background(), time.Now(), func() (string, int64) {
		return "SELECT * FROM offline_sales", 1
	}, nil)

	entries := logs.FilterMessage("gorm.query").All()
	require.Len(t, entries, 1, "fast successful queries stay below warn")
	assert.Equal(t, zap.ErrorLevel, entries[0].Level)

	gl.LogMode(gormlogger.Silent).Trace(context.Background(), time.Now(), func() (string, int64) {
		return "DELETE FROM offline_sales", 1
	}, errors.New("locked"))
	assert.Len(t, logs.FilterMessage("gorm.query").All(), 1)
}
