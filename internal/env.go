package internal

import (
	"os"

	"peercast/pkg/log"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

const (
	envSignalURL = "SIGNALING_WS_URL"
	envLogLevel  = "LOG_LEVEL"
)

var defaultEnvFiles = []string{".env", "../.env"}

// loadEnv copies the first readable dotenv file into the process
// environment. Variables that are already set are left alone. It returns
// the file that was loaded, or an empty string.
func loadEnv(paths []string) (string, error) {
	for _, path := range paths {
		values, err := godotenv.Read(path)
		if err != nil {
			if os.IsNotExist(errors.Cause(err)) {
				continue
			}

			return "", errors.Wrapf(err, "read env file %s", path)
		}

		for key, value := range values {
			if _, exists := os.LookupEnv(key); exists {
				continue
			}

			if err := os.Setenv(key, value); err != nil {
				return "", errors.Wrapf(err, "set %s from %s", key, path)
			}
		}

		log.Debugf("loaded environment from %s", path)

		return path, nil
	}

	return "", nil
}
