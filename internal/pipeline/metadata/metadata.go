// Package metadata extracts the normalized EXIF fields pixtools reports for
// the "metadata" operation: camera make/model, lens, capture time, exposure
// settings, and GPS coordinates in decimal degrees.
package metadata

import (
	"bytes"
	"fmt"
	"math"
	"time"

	"github.com/rwcarlsen/goexif/exif"
)

// Result is the normalized metadata document returned to API clients and
// persisted as the job's exif_metadata column.
type Result struct {
	CameraMake   string   `json:"camera_make,omitempty"`
	CameraModel  string   `json:"camera_model,omitempty"`
	LensModel    string   `json:"lens_model,omitempty"`
	CapturedAt   string   `json:"captured_at,omitempty"`
	ExposureTime string   `json:"exposure_time,omitempty"`
	Aperture     string   `json:"aperture,omitempty"`
	ISO          int      `json:"iso,omitempty"`
	GPS          *GPSCoord `json:"gps,omitempty"`
}

// GPSCoord is a decimal-degree coordinate pair, south/west negated.
type GPSCoord struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Extract decodes the EXIF segment of raw, if any, and returns the
// normalized fields. A missing or unparsable EXIF segment is not an error:
// Extract returns a zero Result so "metadata" submissions against images
// without EXIF data still complete with an empty-but-valid document.
func Extract(raw []byte) (Result, error) {
	x, err := exif.Decode(bytes.NewReader(raw))
	if err != nil {
		return Result{}, nil
	}

	var out Result
	if tag, err := x.Get(exif.Make); err == nil {
		if v, err := tag.StringVal(); err == nil {
			out.CameraMake = v
		}
	}
	if tag, err := x.Get(exif.Model); err == nil {
		if v, err := tag.StringVal(); err == nil {
			out.CameraModel = v
		}
	}
	if tag, err := x.Get(exif.LensModel); err == nil {
		if v, err := tag.StringVal(); err == nil {
			out.LensModel = v
		}
	}
	if t, err := x.DateTime(); err == nil {
		out.CapturedAt = t.UTC().Format(time.RFC3339)
	}
	if tag, err := x.Get(exif.ExposureTime); err == nil {
		if r, err := tag.Rat(0); err == nil && r.Denom().Sign() != 0 {
			out.ExposureTime = formatExposure(r.Num().Int64(), r.Denom().Int64())
		}
	}
	if tag, err := x.Get(exif.FNumber); err == nil {
		if r, err := tag.Rat(0); err == nil {
			f, _ := r.Float64()
			out.Aperture = fmt.Sprintf("f/%.2f", f)
		}
	}
	if tag, err := x.Get(exif.ISOSpeedRatings); err == nil {
		if v, err := tag.Int(0); err == nil {
			out.ISO = v
		}
	}
	if lat, long, err := x.LatLong(); err == nil {
		out.GPS = &GPSCoord{
			Latitude:  round6(lat),
			Longitude: round6(long),
		}
	}
	return out, nil
}

// formatExposure renders an exposure time fraction the way camera apps do:
// "1/250" for sub-second speeds, "2" for whole seconds.
func formatExposure(num, den int64) string {
	if num == 0 {
		return "0"
	}
	if num == 1 || den == 1 {
		if den == 1 {
			return fmt.Sprintf("%d", num)
		}
		return fmt.Sprintf("%d/%d", num, den)
	}
	return fmt.Sprintf("%d/%d", num, den)
}

func round6(v float64) float64 {
	const scale = 1e6
	return math.Round(v*scale) / scale
}

// Flatten renders Result as the map[string]string shape domain.Job stores
// its exif_metadata column as. GPS, when present, is split into
// "gps.latitude"/"gps.longitude" keys.
func (r Result) Flatten() map[string]string {
	out := make(map[string]string, 8)
	if r.CameraMake != "" {
		out["camera_make"] = r.CameraMake
	}
	if r.CameraModel != "" {
		out["camera_model"] = r.CameraModel
	}
	if r.LensModel != "" {
		out["lens_model"] = r.LensModel
	}
	if r.CapturedAt != "" {
		out["captured_at"] = r.CapturedAt
	}
	if r.ExposureTime != "" {
		out["exposure_time"] = r.ExposureTime
	}
	if r.Aperture != "" {
		out["aperture"] = r.Aperture
	}
	if r.ISO != 0 {
		out["iso"] = fmt.Sprintf("%d", r.ISO)
	}
	if r.GPS != nil {
		out["gps.latitude"] = fmt.Sprintf("%.6f", r.GPS.Latitude)
		out["gps.longitude"] = fmt.Sprintf("%.6f", r.GPS.Longitude)
	}
	return out
}
