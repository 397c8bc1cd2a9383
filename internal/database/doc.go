// 版权所有 2024 Cyreal Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 提供基于 GORM 的数据库连接管理，为审计存储提供
驱动选择、连接池、健康检查与事务重试。

# 核心类型

  - Config：驱动名称、DSN 与连接池配置。
  - Driver：sqlite（glebarez 纯 Go 实现）、postgres、mysql。
  - PoolManager：连接池管理器，持有 GORM DB 实例与底层 sql.DB，
    提供 DB()、Ping()、Stats()、Close() 等生命周期方法。
  - PoolConfig：最大空闲/打开连接数、生命周期、空闲超时与健康检查间隔。

# 主要能力

  - Open：解析驱动别名并构造方言；内存 SQLite 强制单连接。
  - 健康检查：后台定时 PingContext 探活，Close 时退出。
  - 事务管理：WithTransaction 单次事务，WithTransactionRetry
    对死锁、锁超时、SQLite busy 等错误指数退避重试。
*/
package database
