package migrations

import "embed"

// Files 内嵌本目录下的全部 SQL 迁移脚本, 随二进制一起发布。
//
//go:embed *.sql
var Files embed.FS
