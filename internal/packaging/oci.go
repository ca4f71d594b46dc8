package packaging

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hivedev/hive/internal/common/errors"
	"github.com/hivedev/hive/internal/common/logger"
	imagestore "github.com/hivedev/hive/internal/storage/image"
	"github.com/hivedev/hive/internal/storage/uri"
	v1 "github.com/hivedev/hive/pkg/api/v1"
)

// OCIConfig parameterizes OCI builds.
type OCIConfig struct {
	BaseImage   string
	RegistryURL string
	// NoProxy is threaded into the build as an explicit value rather than a
	// process-wide environment mutation, so concurrent packagers stay
	// independent. The registry host is appended to it so internal pushes
	// bypass any configured HTTP proxy while external pulls still use it.
	NoProxy string
}

// OCIPackager layers bundle contents onto a base image, builds and pushes
// via the Docker daemon.
type OCIPackager struct {
	cli        *client.Client
	cfg        OCIConfig
	images     *imagestore.Store
	downloader *uri.Downloader
	logger     *logger.Logger
}

// NewOCIPackager creates an OCI packager backed by the local Docker daemon.
func NewOCIPackager(cfg OCIConfig, images *imagestore.Store, downloader *uri.Downloader, log *logger.Logger) (*OCIPackager, error) {
	cli, err := client.NewClientWithOpts(client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &OCIPackager{
		cli:        cli,
		cfg:        cfg,
		images:     images,
		downloader: downloader,
		logger:     log.WithFields(zap.String("component", "oci-packager")),
	}, nil
}

// Close closes the Docker client.
func (p *OCIPackager) Close() error {
	return p.cli.Close()
}

// Package builds and pushes an image from the bundles and registers its tag.
func (p *OCIPackager) Package(ctx context.Context, req Request) (*v1.PackageJob, error) {
	job := &v1.PackageJob{
		ID:        uuid.New().String(),
		CreatedAt: time.Now().UTC(),
	}
	imageID := uuid.New().String()
	tag := fmt.Sprintf("%s/%s:%s", p.cfg.RegistryURL, req.Name, imageID[:8])

	p.logger.Info("packaging OCI image",
		zap.String("job_id", job.ID),
		zap.String("tag", tag),
		zap.Int("bundles", len(req.Bundles)))

	if err := p.buildAndPush(ctx, req, tag); err != nil {
		job.Status = v1.PackageJobFailed
		job.Error = err.Error()
		return job, err
	}

	img := &v1.AgentImage{ID: imageID, Name: req.Name, Path: tag}
	if err := p.images.Put(img); err != nil {
		job.Status = v1.PackageJobFailed
		job.Error = err.Error()
		return job, err
	}

	job.Status = v1.PackageJobSucceeded
	job.Image = img
	return job, nil
}

func (p *OCIPackager) buildAndPush(ctx context.Context, req Request, tag string) error {
	buildCtx, err := p.buildContext(ctx, req)
	if err != nil {
		return err
	}

	noProxy := p.cfg.NoProxy
	if host := registryHost(p.cfg.RegistryURL); host != "" {
		if noProxy != "" {
			noProxy += ","
		}
		noProxy += host
	}

	resp, err := p.cli.ImageBuild(ctx, buildCtx, dockertypes.ImageBuildOptions{
		Tags:       []string{tag},
		Dockerfile: "Dockerfile",
		Remove:     true,
		BuildArgs: map[string]*string{
			"BASE_IMAGE": &p.cfg.BaseImage,
			"no_proxy":   &noProxy,
		},
	})
	if err != nil {
		return errors.BackendTool("docker build", "", err)
	}
	defer resp.Body.Close()

	if err := drainBuildOutput(resp.Body); err != nil {
		return errors.BackendTool("docker build", err.Error(), err)
	}

	auth, err := registryAuth(p.cfg.RegistryURL)
	if err != nil {
		return err
	}
	pushResp, err := p.cli.ImagePush(ctx, tag, image.PushOptions{RegistryAuth: auth})
	if err != nil {
		return errors.BackendTool("docker push", "", err)
	}
	defer pushResp.Close()

	if err := drainBuildOutput(pushResp); err != nil {
		return errors.BackendTool("docker push", err.Error(), err)
	}

	p.logger.Info("pushed image", zap.String("tag", tag))
	return nil
}

// buildContext assembles the tar stream for the daemon: a generated
// Dockerfile plus each bundle under bundles/<name>/. Bundles carrying a
// requirements.txt get a dependency-install layer.
func (p *OCIPackager) buildContext(ctx context.Context, req Request) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	var reqFiles []string

	for i, bundle := range req.Bundles {
		src, err := p.downloader.Fetch(ctx, bundle.URI)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch bundle %s: %w", bundle.URI, err)
		}

		prefix := filepath.Join("bundles", bundleName(bundle, i))
		if err := tarTree(tw, src, prefix); err != nil {
			return nil, fmt.Errorf("failed to add bundle %s: %w", bundle.URI, err)
		}

		if fileInBundle(src, "requirements.txt") {
			reqFiles = append(reqFiles, filepath.Join(prefix, "requirements.txt"))
		}
	}

	dockerfile := p.dockerfile(reqFiles)
	hdr := &tar.Header{
		Name: "Dockerfile",
		Mode: 0o644,
		Size: int64(len(dockerfile)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, err
	}
	if _, err := tw.Write([]byte(dockerfile)); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}

	return &buf, nil
}

// dockerfile generates the build recipe layering bundles onto the base
// image, installing dependencies when a manifest file is present.
func (p *OCIPackager) dockerfile(reqFiles []string) string {
	var b strings.Builder
	b.WriteString("ARG BASE_IMAGE\n")
	b.WriteString("FROM ${BASE_IMAGE}\n")
	b.WriteString("ARG no_proxy\n")
	b.WriteString("ENV no_proxy=${no_proxy}\n")
	b.WriteString("COPY bundles/ /opt/hive/bundles/\n")
	for _, rf := range reqFiles {
		fmt.Fprintf(&b, "RUN pip install --no-cache-dir -r /opt/hive/%s\n", filepath.ToSlash(rf))
	}
	b.WriteString("ENV PYTHONPATH=/opt/hive/bundles:${PYTHONPATH}\n")
	return b.String()
}

func fileInBundle(root, name string) bool {
	info, err := os.Stat(root)
	if err != nil {
		return false
	}
	if !info.IsDir() {
		return filepath.Base(root) == name
	}
	_, err = os.Stat(filepath.Join(root, name))
	return err == nil
}

func tarTree(tw *tar.Writer, src, prefix string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}

	addFile := func(path, name string, fi os.FileInfo) error {
		hdr, err := tar.FileInfoHeader(fi, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(name)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if fi.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	}

	if !info.IsDir() {
		return addFile(src, filepath.Join(prefix, filepath.Base(src)), info)
	}

	return filepath.Walk(src, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		return addFile(path, filepath.Join(prefix, rel), fi)
	})
}

// drainBuildOutput consumes the daemon's JSON message stream and surfaces
// any embedded error.
func drainBuildOutput(r io.Reader) error {
	dec := json.NewDecoder(r)
	for {
		var msg struct {
			Error string `json:"error"`
		}
		if err := dec.Decode(&msg); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if msg.Error != "" {
			return fmt.Errorf("%s", msg.Error)
		}
	}
}

func registryHost(registryURL string) string {
	host := registryURL
	host = strings.TrimPrefix(host, "https://")
	host = strings.TrimPrefix(host, "http://")
	if i := strings.IndexByte(host, '/'); i >= 0 {
		host = host[:i]
	}
	return host
}

func registryAuth(registryURL string) (string, error) {
	authCfg := registry.AuthConfig{ServerAddress: registryHost(registryURL)}
	data, err := json.Marshal(authCfg)
	if err != nil {
		return "", fmt.Errorf("failed to encode registry auth: %w", err)
	}
	return base64.URLEncoding.EncodeToString(data), nil
}
