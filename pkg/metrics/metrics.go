// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// flowsyncNamespace 是当前项目所有 Prometheus 指标使用的命名空间。
	flowsyncNamespace = "flowsync"

	// 以下为当前使用的通用标签名。
	messageTypeLabelName = "message_type"
	directionLabelName   = "direction"
	statusLabelName      = "status"
	stateLabelName       = "state"
	reasonLabelName      = "reason"
)

var (
	// ConnectionState 记录连接管理器当前所处状态（one-hot gauge）。
	ConnectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: flowsyncNamespace,
			Name:      "connection_state",
			Help:      "current connection state, 1 for the active state and 0 otherwise",
		}, []string{stateLabelName})

	// ReconnectAttempts 统计重连调度次数。
	ReconnectAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: flowsyncNamespace,
			Name:      "reconnect_attempts_total",
			Help:      "total number of scheduled reconnect attempts",
		})

	// ConnectionFailures 按原因统计连接层失败。
	ConnectionFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: flowsyncNamespace,
			Name:      "connection_failures_total",
			Help:      "total number of connection failures by reason",
		}, []string{reasonLabelName})

	// Messages 按类型与方向统计收发消息数。
	Messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: flowsyncNamespace,
			Name:      "messages_total",
			Help:      "total number of wire messages by type and direction",
		}, []string{messageTypeLabelName, directionLabelName})

	// DroppedMessages 统计因解析失败而丢弃的入站消息数。
	DroppedMessages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: flowsyncNamespace,
			Name:      "dropped_messages_total",
			Help:      "total number of inbound messages dropped due to parse errors",
		})

	// HealthChecks 按返回状态统计健康检查次数。
	HealthChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: flowsyncNamespace,
			Name:      "health_checks_total",
			Help:      "total number of health endpoint polls by returned status",
		}, []string{statusLabelName})

	// SnapshotSyncs 统计已应用的快照同步次数。
	SnapshotSyncs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: flowsyncNamespace,
			Name:      "snapshot_syncs_total",
			Help:      "total number of applied document snapshots",
		})

	// SnapshotSyncRequests 统计客户端发出的快照同步请求次数。
	SnapshotSyncRequests = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: flowsyncNamespace,
			Name:      "snapshot_sync_requests_total",
			Help:      "total number of snapshot sync requests sent",
		})

	// ActiveRemoteCursors 记录当前保留的远端光标条目数。
	ActiveRemoteCursors = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: flowsyncNamespace,
			Name:      "active_remote_cursors",
			Help:      "number of remote cursor entries currently tracked",
		})

	// PresenceUsers 记录当前文档的在线用户数。
	PresenceUsers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: flowsyncNamespace,
			Name:      "presence_users",
			Help:      "number of users present in the joined document",
		})

	metricRegisterer prometheus.Registerer
)

// GetRegisterer 返回全局 Prometheus Registerer。
// 如果尚未通过 Register 显式设置，则返回 prometheus.DefaultRegisterer。
func GetRegisterer() prometheus.Registerer {
	if metricRegisterer == nil {
		return prometheus.DefaultRegisterer
	}
	return metricRegisterer
}

// Register 将本项目的全部指标注册到给定 Registerer。
func Register(r prometheus.Registerer) {
	metricRegisterer = r
	r.MustRegister(ConnectionState)
	r.MustRegister(ReconnectAttempts)
	r.MustRegister(ConnectionFailures)
	r.MustRegister(Messages)
	r.MustRegister(DroppedMessages)
	r.MustRegister(HealthChecks)
	r.MustRegister(SnapshotSyncs)
	r.MustRegister(SnapshotSyncRequests)
	r.MustRegister(ActiveRemoteCursors)
	r.MustRegister(PresenceUsers)
}
