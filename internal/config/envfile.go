package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads KEY=VALUE pairs from the given .env file into the process
// environment without overriding variables that are already set. A missing
// file is not an error.
func LoadDotEnv(path string) error {
	vals, err := godotenv.Read(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	for k, v := range vals {
		if _, exists := os.LookupEnv(k); !exists {
			_ = os.Setenv(k, v)
		}
	}
	return nil
}

// WriteEnvValues upserts the given keys into the .env-style file at path,
// preserving any unrelated keys already present. The file is created when
// missing.
func WriteEnvValues(path string, values map[string]string) error {
	existing, err := godotenv.Read(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if existing == nil {
		existing = map[string]string{}
	}
	for k, v := range values {
		existing[k] = v
	}
	if err := godotenv.Write(existing, path); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
