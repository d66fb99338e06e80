// Package interfaces 定义 NetCom 的公共接口
//
// 本包采用扁平命名（无层级前缀），一个关注点一个文件：
//
// # Core Layer 接口
//
//   - endpoint.go       - 底层连接与子流能力集（核心消费的最小面）
//
// # Protocol Layer 接口
//
//   - xstream.go        - XStream 双子流逻辑通道服务
//
// 实现位于 internal/ 下对应目录，接口与实现一一对应。
package interfaces
