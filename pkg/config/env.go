package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// LoadEnv wraps godotenv.Load and expands a leading ~ to $HOME.
func LoadEnv(files ...string) error {
	for _, file := range files {
		if strings.HasPrefix(file, "~") {
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			file = strings.Replace(file, "~", home, 1)
		}
		if err := godotenv.Load(file); err != nil {
			return err
		}
	}
	return nil
}

// GetEnv returns the value of the environment variable or the fallback.
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
