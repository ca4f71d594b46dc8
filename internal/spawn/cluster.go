package spawn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hivedev/hive/internal/common/config"
	"github.com/hivedev/hive/internal/common/errors"
	"github.com/hivedev/hive/internal/common/logger"
	"github.com/hivedev/hive/internal/kernel/ports"
)

const (
	clusterHealthTimeout = 120 * time.Second
	containerPort        = 8600
)

// clusterHandle tracks the cluster objects and the local tunnel for one
// agent pod.
type clusterHandle struct {
	agentID   string
	podName   string
	tunnel    *processHandle
	localPort int
}

// ClusterBackend schedules agents as pods: a ConfigMap holding the agent
// configuration, a single-container Pod with a readiness probe on /health,
// a ClusterIP Service, and a local port-forward tunnel for reachability.
type ClusterBackend struct {
	cfg    config.ClusterConfig
	ports  *ports.Allocator
	logger *logger.Logger
}

// NewClusterBackend creates the cluster backend. The allocator hands out
// local ports for the port-forward tunnels.
func NewClusterBackend(cfg config.ClusterConfig, alloc *ports.Allocator, log *logger.Logger) *ClusterBackend {
	return &ClusterBackend{
		cfg:    cfg,
		ports:  alloc,
		logger: log.WithFields(zap.String("component", "cluster-backend")),
	}
}

func (b *ClusterBackend) name() string { return "cluster" }

func (b *ClusterBackend) healthTimeout() time.Duration { return clusterHealthTimeout }

func (b *ClusterBackend) localPort(h handle) int {
	ch, ok := h.(*clusterHandle)
	if !ok {
		return 0
	}
	return ch.localPort
}

func (b *ClusterBackend) launch(ctx context.Context, spec *launchSpec) (handle, error) {
	name := podName(spec.Agent.ID)

	// Inside the pod the runner listens on the fixed container port; the
	// allocated kernel-side port only matters for process backends.
	spec.Config["http_port"] = containerPort

	configJSON, err := json.Marshal(spec.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal pod config: %w", err)
	}

	if err := b.apply(ctx, b.manifests(name, spec.Image.Path, string(configJSON))); err != nil {
		b.deleteObjects(context.Background(), name)
		return nil, err
	}

	if err := b.waitPodReady(ctx, name); err != nil {
		b.logPodDiagnostics(context.Background(), name)
		b.deleteObjects(context.Background(), name)
		return nil, err
	}

	tunnel, local, err := b.startTunnel(spec, name)
	if err != nil {
		b.deleteObjects(context.Background(), name)
		return nil, err
	}

	b.logger.Info("pod scheduled",
		zap.String("agent_id", spec.Agent.ID),
		zap.String("pod", name),
		zap.Int("local_port", local))

	return &clusterHandle{
		agentID:   spec.Agent.ID,
		podName:   name,
		tunnel:    tunnel,
		localPort: local,
	}, nil
}

// stop tears the tunnel down, then deletes Service, Pod and ConfigMap in
// that order. With preserve_on_kill only the tunnel goes away, leaving the
// cluster objects for inspection.
func (b *ClusterBackend) stop(ctx context.Context, h handle) error {
	ch, ok := h.(*clusterHandle)
	if !ok {
		return nil
	}

	if ch.tunnel != nil && ch.tunnel.alive() {
		_ = ch.tunnel.cmd.Process.Kill()
		<-ch.tunnel.done
	}
	b.ports.Release(ch.localPort)

	if b.cfg.PreserveOnKill {
		b.logger.Info("preserving cluster objects", zap.String("pod", ch.podName))
		return nil
	}
	b.deleteObjects(ctx, ch.podName)
	return nil
}

func (b *ClusterBackend) running(h handle) bool {
	ch, ok := h.(*clusterHandle)
	if !ok {
		return false
	}
	out, err := b.kubectl(context.Background(), nil,
		"get", "pod", ch.podName, "-o", "jsonpath={.status.phase}")
	if err != nil {
		return false
	}
	return strings.TrimSpace(out) == "Running"
}

func (b *ClusterBackend) apply(ctx context.Context, manifests string) error {
	_, err := b.kubectl(ctx, strings.NewReader(manifests), "apply", "-f", "-")
	return err
}

func (b *ClusterBackend) waitPodReady(ctx context.Context, name string) error {
	_, err := b.kubectl(ctx, nil,
		"wait", "--for=condition=Ready", "pod/"+name,
		fmt.Sprintf("--timeout=%ds", int(clusterHealthTimeout.Seconds())))
	if err != nil {
		return errors.Timeout("pod " + name + " readiness")
	}
	return nil
}

// logPodDiagnostics records container status and a log tail for a pod that
// never became ready.
func (b *ClusterBackend) logPodDiagnostics(ctx context.Context, name string) {
	status, _ := b.kubectl(ctx, nil,
		"get", "pod", name, "-o", "jsonpath={.status.containerStatuses}")
	tail, _ := b.kubectl(ctx, nil, "logs", name, "--tail", "50")
	b.logger.Error("pod failed to become ready",
		zap.String("pod", name),
		zap.String("container_status", status),
		zap.String("log_tail", tail))
}

// startTunnel launches kubectl port-forward on an allocated local port and
// hands the subprocess back for lifetime tracking. Health polling against
// the local port is the spawner's job.
func (b *ClusterBackend) startTunnel(spec *launchSpec, name string) (*processHandle, int, error) {
	local, err := b.ports.Allocate()
	if err != nil {
		return nil, 0, err
	}

	args := b.globalArgs()
	args = append(args, "port-forward", "svc/"+name,
		fmt.Sprintf("%d:%d", local, containerPort))

	cmd := exec.Command("kubectl", args...)
	if err := cmd.Start(); err != nil {
		b.ports.Release(local)
		return nil, 0, errors.BackendTool("kubectl port-forward", "", err)
	}

	h := &processHandle{cmd: cmd, done: make(chan struct{})}
	go h.wait()
	return h, local, nil
}

func (b *ClusterBackend) deleteObjects(ctx context.Context, name string) {
	// Service first so no traffic lands on a dying pod.
	for _, kind := range []string{"service", "pod", "configmap"} {
		if _, err := b.kubectl(ctx, nil,
			"delete", kind, name, "--ignore-not-found"); err != nil {
			b.logger.Warn("failed to delete cluster object",
				zap.String("kind", kind),
				zap.String("name", name),
				zap.Error(err))
		}
	}
}

func (b *ClusterBackend) globalArgs() []string {
	args := []string{"--namespace", b.cfg.Namespace}
	if b.cfg.Kubeconfig != "" {
		args = append(args, "--kubeconfig", b.cfg.Kubeconfig)
	}
	return args
}

func (b *ClusterBackend) kubectl(ctx context.Context, stdin *strings.Reader, args ...string) (string, error) {
	full := append(b.globalArgs(), args...)
	cmd := exec.CommandContext(ctx, "kubectl", full...)
	if stdin != nil {
		cmd.Stdin = stdin
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", errors.BackendTool("kubectl "+args[0], stderr.String(), err)
	}
	return stdout.String(), nil
}

// manifests renders the ConfigMap, Pod and Service for one agent.
func (b *ClusterBackend) manifests(name, image, configJSON string) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, `apiVersion: v1
kind: ConfigMap
metadata:
  name: %s
  labels:
    app.kubernetes.io/managed-by: hive
data:
  agent.json: %s
---
`, name, yamlQuote(configJSON))

	fmt.Fprintf(&sb, `apiVersion: v1
kind: Pod
metadata:
  name: %s
  labels:
    hive/agent: %s
    app.kubernetes.io/managed-by: hive
spec:
  restartPolicy: Never
  containers:
    - name: agent
      image: %s
      ports:
        - containerPort: %d
      env:
        - name: HIVE_AGENT_CONFIG
          value: /etc/hive/agent.json
      volumeMounts:
        - name: agent-config
          mountPath: /etc/hive
          readOnly: true
      readinessProbe:
        httpGet:
          path: /health
          port: %d
        initialDelaySeconds: 2
        periodSeconds: 2
  volumes:
    - name: agent-config
      configMap:
        name: %s
---
`, name, name, image, containerPort, containerPort, name)

	fmt.Fprintf(&sb, `apiVersion: v1
kind: Service
metadata:
  name: %s
  labels:
    app.kubernetes.io/managed-by: hive
spec:
  type: ClusterIP
  selector:
    hive/agent: %s
  ports:
    - port: %d
      targetPort: %d
`, name, name, containerPort, containerPort)

	return sb.String()
}

// yamlQuote quotes a JSON document for embedding in a manifest.
func yamlQuote(s string) string {
	quoted, _ := json.Marshal(s)
	return string(quoted)
}

func podName(agentID string) string {
	id := agentID
	if len(id) > 8 {
		id = id[:8]
	}
	return "hive-agent-" + id
}
