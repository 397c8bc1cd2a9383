// Package config 提供 cyreald 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 环境变量（前缀 CYREAL_）的顺序叠加，
// 最后执行 Validate。Reloader 轮询配置文件，变更时重新加载并回调，
// 守护进程用它在运行期调整日志级别。
package config
