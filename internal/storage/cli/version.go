package cli

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/mod/semver"
)

// MinVersion is the oldest bd release whose --json output this package parses.
const MinVersion = "0.20.0"

// Version asks bd for its version string.
func (s *Store) Version(ctx context.Context) (string, error) {
	var out struct {
		Version string `json:"version"`
	}
	if err := s.runJSON(ctx, &out, "version"); err != nil {
		return "", err
	}
	return out.Version, nil
}

// CheckVersion fails when bd is older than MinVersion. Unparseable versions
// (dev builds) pass.
func (s *Store) CheckVersion(ctx context.Context) (string, error) {
	v, err := s.Version(ctx)
	if err != nil {
		return "", err
	}
	return v, checkCompatible(v, MinVersion)
}

func checkCompatible(have, want string) error {
	haveV := normalize(have)
	wantV := normalize(want)
	if !semver.IsValid(haveV) || !semver.IsValid(wantV) {
		return nil
	}
	if semver.Compare(haveV, wantV) < 0 {
		return fmt.Errorf("bd %s is too old: need %s or newer (upgrade the bd CLI)", have, want)
	}
	return nil
}

func normalize(v string) string {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}
