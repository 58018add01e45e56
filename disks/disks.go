// Package disks provides predefined sizes for the block devices an image can
// be formatted as.
package disks

import (
	_ "embed"
	"encoding/csv"
	"fmt"
	"sort"
	"strings"

	"github.com/dargueta/sectorfs/errors"
	c "github.com/dargueta/sectorfs/file_systems/common"
	"github.com/gocarina/gocsv"
)

type DeviceProfile struct {
	Name         string `csv:"name"`
	Slug         string `csv:"slug"`
	TotalSectors uint   `csv:"total_sectors"`
	FormFactor   string `csv:"form_factor"`
	Notes        string `csv:"notes"`
}

// TotalSizeBytes gives the size of the device, in bytes. This is the minimum
// size of the image file.
func (p *DeviceProfile) TotalSizeBytes() int64 {
	return int64(p.TotalSectors) * c.SectorSize
}

//go:embed device-profiles.csv
var deviceProfilesRawCSV string
var deviceProfiles map[string]DeviceProfile

// GetDeviceProfile returns the predefined profile with the given slug.
func GetDeviceProfile(slug string) (DeviceProfile, error) {
	profile, ok := deviceProfiles[slug]
	if ok {
		return profile, nil
	}

	return DeviceProfile{}, errors.ErrNotFound.WithMessage(
		fmt.Sprintf("no predefined device profile exists with slug %q", slug))
}

// DeviceProfiles returns every predefined profile, smallest first.
func DeviceProfiles() []DeviceProfile {
	result := make([]DeviceProfile, 0, len(deviceProfiles))
	for _, profile := range deviceProfiles {
		result = append(result, profile)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].TotalSectors != result[j].TotalSectors {
			return result[i].TotalSectors < result[j].TotalSectors
		}
		return result[i].Slug < result[j].Slug
	})
	return result
}

func parseDeviceProfiles(rawCSV string) (map[string]DeviceProfile, error) {
	csvReader := csv.NewReader(strings.NewReader(rawCSV))
	csvReader.Comma = '|'
	// Quotes show up in the names as inch marks.
	csvReader.LazyQuotes = true

	var rows []DeviceProfile
	err := gocsv.UnmarshalCSV(csvReader, &rows)
	if err != nil {
		return nil, fmt.Errorf("failed to decode device profiles: %w", err)
	}

	profiles := make(map[string]DeviceProfile, len(rows))
	for i, row := range rows {
		_, exists := profiles[row.Slug]
		if exists {
			return nil, fmt.Errorf(
				"duplicate definition for device %q found on row %d", row.Slug, i+1)
		}
		if row.TotalSectors == 0 {
			return nil, fmt.Errorf("device %q on row %d has no sectors", row.Slug, i+1)
		}
		profiles[row.Slug] = row
	}
	return profiles, nil
}

func init() {
	profiles, err := parseDeviceProfiles(deviceProfilesRawCSV)
	if err != nil {
		panic(err)
	}
	deviceProfiles = profiles
}
