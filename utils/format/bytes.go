package format

import (
	"fmt"
)

const (
	byteUnit = 1024
)

var units = []string{"B", "KB", "MB", "GB", "TB", "PB"}

// HumanReadableSize 将字节数转换为人类可读的格式
func HumanReadableSize(bytes int64) string {
	if bytes < byteUnit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(byteUnit), 1
	for n := bytes / byteUnit; n >= byteUnit && exp < len(units)-1; n /= byteUnit {
		div *= byteUnit
		exp++
	}

	value := float64(bytes) / float64(div)
	if value == float64(int64(value)) {
		// 整数大小去掉小数位，用于限额提示
		return fmt.Sprintf("%d %s", int64(value), units[exp])
	}
	return fmt.Sprintf("%.2f %s", value, units[exp])
}
