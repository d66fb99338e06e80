// Package types 定义 NetCom 的基础类型
//
// 这是整个系统的最底层包，不依赖任何其他 netcom 内部包。
// 所有类型都是纯值类型，用于在各模块间传递数据。
package types
