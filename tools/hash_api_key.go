package main

import (
	"fmt"
	"os"

	"copymirror/web"
)

// 生成运维接口密钥的 bcrypt 哈希，填入 web.api_key_hash
func main() {
	if len(os.Args) < 2 {
		fmt.Println("用法: go run tools/hash_api_key.go <运维密钥>")
		os.Exit(1)
	}

	key := os.Args[1]
	if len(key) < 16 {
		fmt.Println("错误: 密钥长度至少 16 位")
		os.Exit(1)
	}

	hash, err := web.HashAPIKey(key)
	if err != nil {
		fmt.Printf("错误: 生成密钥哈希失败: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("✓ 已生成密钥哈希，写入配置文件:\n\n")
	fmt.Printf("web:\n  api_key_hash: %q\n\n", hash)
	fmt.Printf("调用运维接口时携带请求头 %s: <运维密钥>\n", web.APIKeyHeader)
}
