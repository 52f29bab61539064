package model

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

type Plan struct {
	ID           string    `gorm:"primaryKey" json:"id"`
	Name         string    `gorm:"not null" json:"name"`
	DownloadMbps float64   `gorm:"not null" json:"download_mbps"`
	UploadMbps   float64   `gorm:"not null" json:"upload_mbps"`
	MonthlyPrice float64   `json:"monthly_price"`
	IsActive     bool      `gorm:"not null" json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func NewPlan(name string, download, upload float64) Plan {
	return Plan{ID: uuid.NewString(), Name: name, DownloadMbps: download, UploadMbps: upload, IsActive: true}
}

func (Plan) TableName() string { return "plans" }

// ProfileName is the PPP profile shared by every contract at this download
// speed. Fractional speeds are truncated.
func (p Plan) ProfileName() string {
	return fmt.Sprintf("PLAN-%dMB", int64(math.Floor(p.DownloadMbps)))
}

func (p Plan) SpeedChanged(next Plan) bool {
	return p.DownloadMbps != next.DownloadMbps || p.UploadMbps != next.UploadMbps
}
