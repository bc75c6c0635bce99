package worker

import (
	"bufio"
	"errors"
	"io/fs"
	"os"
	"strings"
)

// ClassAdsEnv names the environment variable holding the job ad path
const ClassAdsEnv = "_CONDOR_JOB_AD"

// ReadClassAds reads the job ad named by $_CONDOR_JOB_AD. An unset
// variable or a missing file yields an empty map.
func ReadClassAds() (map[string]string, error) {
	path := os.Getenv(ClassAdsEnv)
	if path == "" {
		return map[string]string{}, nil
	}
	return ReadClassAdsFile(path)
}

// ReadClassAdsFile parses "key = value" lines. Surrounding double quotes
// are stripped from values and lines without '=' are ignored.
func ReadClassAdsFile(path string) (map[string]string, error) {
	ads := map[string]string{}

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return ads, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		ads[key] = strings.Trim(strings.TrimSpace(value), `"`)
	}

	return ads, sc.Err()
}
