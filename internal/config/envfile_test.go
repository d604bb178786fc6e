package config

import "github.com/joho/godotenv"

// readEnvFile is a test helper that parses an env file into a map.
func readEnvFile(path string) (map[string]string, error) {
	return godotenv.Read(path)
}
