// Package idgen generates short, URL-safe ids backed by nanoid.
package idgen

import (
	"fmt"
	"time"

	nanoid "github.com/matoous/go-nanoid/v2"
)

// Alphabet is the character set of the random portion. Lower-case only, so
// ids are safe on case-insensitive filesystems.
const Alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// Length is the number of random characters.
const Length = 12

// Generate returns prefix followed by a random id.
func Generate(prefix string) (string, error) {
	id, err := nanoid.Generate(Alphabet, Length)
	if err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return prefix + id, nil
}

// PartName returns a file name for an appended part, e.g.
// "part-20240101T120000.000000Z-k3j2h1g0f9e8.parquet". Names sort by
// creation time.
func PartName(now time.Time, ext string) (string, error) {
	stamp := now.UTC().Format("20060102T150405.000000Z")
	id, err := Generate("part-" + stamp + "-")
	if err != nil {
		return "", err
	}
	return id + ext, nil
}
