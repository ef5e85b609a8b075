package testutils

import (
	"fmt"
	"net/http"

	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
)

const MinioUser = "testertester"
const MinioPassword = "testertester"

// SetupMinio starts a throwaway minio container and returns its S3 port.
// It returns an error when no docker daemon is reachable.
func SetupMinio(cleanup func(func())) (string, error) {
	pool, err := dockertest.NewPool("")
	if err != nil {
		return "", err
	}
	err = pool.Client.Ping()
	if err != nil {
		return "", err
	}

	options := &dockertest.RunOptions{
		Repository: "minio/minio",
		Tag:        "latest",
		Cmd:        []string{"server", "/data"},
		Env:        []string{"MINIO_ROOT_USER=" + MinioUser, "MINIO_ROOT_PASSWORD=" + MinioPassword},
	}

	resource, err := pool.RunWithOptions(options, func(config *docker.HostConfig) {
		// set AutoRemove to true so that stopped container goes away by itself
		config.AutoRemove = true
		config.RestartPolicy = docker.RestartPolicy{
			Name: "no",
		}
	})
	if err != nil {
		return "", err
	}

	cleanup(func() {
		_ = pool.Purge(resource)
	})

	err = resource.Expire(180)
	if err != nil {
		return "", err
	}
	port := resource.GetPort("9000/tcp")

	err = pool.Retry(func() error {
		url := fmt.Sprintf("http://localhost:%s/minio/health/live", port)
		resp, err := http.Get(url)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("status code not OK")
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return port, nil
}
