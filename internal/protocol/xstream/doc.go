// Package xstream 实现双子流应用层协议
//
// XStream 在通用的点对点连接多路复用器之上提供经过认证的
// 双向字节通道，并把带内数据与异步的带外错误上报分离到
// 两条独立子流上：
//
//   - Main 子流：原始字节数据，无额外帧格式
//   - Error 子流：单个逻辑载荷，以 EOF 终止，入站侧每流至多写一次
//
// 两条子流在各自打开后独立到达，由配对表按
// (方向, 对端, 连接, XStreamID) 匹配成对，超时未配对的
// 半对会被清理。配对完成后构造 XStream，读写由 I/O 核心
// 提供，错误子流始终处于监视之下：收到的错误载荷会抢占
// 进行中的读取。
//
// 优雅关闭哨兵约定：入站侧不写任何字节直接关闭错误子流
// （空载荷 + EOF）表示"无错误，正常结束"；任何非空载荷
// 都是错误上报；错误子流被异常中断（非 EOF 错误）视作
// 对端崩溃（AbruptClose）。
//
// 使用示例（出站）：
//
//	svc, _ := xstream.New(host)
//	svc.Start(ctx)
//	xs, err := svc.Open(ctx, peerID)
//	if err != nil { ... }
//	xs.WriteAll(ctx, []byte("ping"))
//	reply, err := xs.Read(ctx)
//	xs.Close()
package xstream
