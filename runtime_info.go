// Copyright 2025 Patrick J. Scruggs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package slogdd

import (
	"os"
	"strings"
)

// Reserved Datadog attributes filled from the environment.
const (
	ServiceKey  = "service"
	EnvKey      = "env"
	VersionKey  = "version"
	HostnameKey = "hostname"
	DDTagsKey   = "ddtags"
)

// RuntimeInfo holds the unified service tags of the current process.
type RuntimeInfo struct {
	Service  string
	Env      string
	Version  string
	Hostname string
	// Tags is a comma separated list of key:value pairs.
	Tags string
}

var namespaceFile = "/var/run/secrets/kubernetes.io/serviceaccount/namespace"

// DetectRuntimeInfo reads DD_SERVICE, DD_ENV, DD_VERSION, DD_HOSTNAME and
// DD_TAGS, falling back to the OpenTelemetry service name and the OS host
// name. On Kubernetes the namespace and pod name are appended to Tags.
func DetectRuntimeInfo() RuntimeInfo {
	info := RuntimeInfo{
		Service:  firstNonEmpty(trimmedEnv("DD_SERVICE"), trimmedEnv("OTEL_SERVICE_NAME")),
		Env:      trimmedEnv("DD_ENV"),
		Version:  trimmedEnv("DD_VERSION"),
		Hostname: trimmedEnv("DD_HOSTNAME"),
	}
	if info.Hostname == "" {
		if host, err := os.Hostname(); err == nil {
			info.Hostname = host
		}
	}

	tags := splitTags(os.Getenv("DD_TAGS"))
	if trimmedEnv("KUBERNETES_SERVICE_HOST") != "" {
		if ns := readNamespace(); ns != "" {
			tags = append(tags, "kube_namespace:"+ns)
		}
		if pod := trimmedEnv("HOSTNAME"); pod != "" {
			tags = append(tags, "pod_name:"+pod)
		}
	}
	info.Tags = strings.Join(tags, ",")
	return info
}

// fields returns the non-empty values keyed by their reserved attribute names.
func (i RuntimeInfo) fields() []fieldValue {
	out := make([]fieldValue, 0, 5)
	add := func(key, value string) {
		if value != "" {
			out = append(out, fieldValue{key: key, value: value})
		}
	}
	add(ServiceKey, i.Service)
	add(EnvKey, i.Env)
	add(VersionKey, i.Version)
	add(HostnameKey, i.Hostname)
	add(DDTagsKey, i.Tags)
	return out
}

type fieldValue struct {
	key   string
	value string
}

// splitTags accepts DD_TAGS in either comma or space separated form.
func splitTags(raw string) []string {
	return strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
}

// trimmedEnv reads an environment variable and trims surrounding whitespace.
func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

// firstNonEmpty returns the first non-empty string.
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// readNamespace reads the Kubernetes namespace from the service account mount.
func readNamespace() string {
	data, err := os.ReadFile(namespaceFile)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
