package build

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	DefaultBaseImage      = "tiangolo/uvicorn-gunicorn:python3.10-slim"
	DefaultInstallCommand = "pip install --no-cache-dir -r /app/requirements.txt"
)

// Dockerfile renders the build descriptor for a workload
func Dockerfile(baseImage, installCommand string, servicePort int) string {
	content := fmt.Sprintf(`FROM %s
WORKDIR /app
COPY . /app
RUN %s
`, baseImage, installCommand)

	if servicePort > 0 {
		content += fmt.Sprintf("EXPOSE %d\n", servicePort)
	}
	return content
}

func writeBuildFiles(dir, dockerfile string) error {
	if err := os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte(dockerfile), 0644); err != nil {
		return fmt.Errorf("failed to write Dockerfile: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".dockerignore"), []byte(".git\n"), 0644); err != nil {
		return fmt.Errorf("failed to write .dockerignore: %w", err)
	}
	return nil
}
