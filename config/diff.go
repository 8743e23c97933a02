package config

import (
	"fmt"
	"reflect"
	"strings"
)

// ChangeType 变更类型
type ChangeType string

const (
	ChangeTypeAdded    ChangeType = "added"
	ChangeTypeModified ChangeType = "modified"
	ChangeTypeDeleted  ChangeType = "deleted"
)

// ConfigChange 单个配置项变更
type ConfigChange struct {
	Path            string      `json:"path"` // 如 "risk.win_rate"
	Type            ChangeType  `json:"type"`
	OldValue        interface{} `json:"old_value"`
	NewValue        interface{} `json:"new_value"`
	RequiresRestart bool        `json:"requires_restart"`
}

// ConfigDiff 配置差异
type ConfigDiff struct {
	Changes         []ConfigChange `json:"changes"`
	RequiresRestart bool           `json:"requires_restart"`
}

// hotReloadablePaths 运行中可直接生效的配置段，其余变更都需要重启
var hotReloadablePaths = []string{
	"copy.symbols",
	"copy.exclude_symbols",
	"copy.copy_leverage",
	"copy.copy_margin_mode",
	"copy.copy_trailing",
	"copy.copy_margin",
	"risk",
	"trailing",
	"margin",
	"reconcile.tolerance",
	"reconcile.max_failed_cycles",
	"notifications",
	"system.log_level",
	"web.api_key_hash",
}

// RequiresRestart 判断配置路径是否需要重启
func RequiresRestart(path string) bool {
	for _, p := range hotReloadablePaths {
		if path == p || strings.HasPrefix(path, p+".") || strings.HasPrefix(path, p+"[") {
			return false
		}
	}
	return true
}

// DiffConfig 对比两个配置，生成差异
func DiffConfig(oldConfig, newConfig *Config) *ConfigDiff {
	diff := &ConfigDiff{Changes: []ConfigChange{}}
	diff.compare(reflect.ValueOf(oldConfig), reflect.ValueOf(newConfig), "")
	for _, change := range diff.Changes {
		if change.RequiresRestart {
			diff.RequiresRestart = true
			break
		}
	}
	return diff
}

// HotReloadable 返回可热更新的变更
func (d *ConfigDiff) HotReloadable() []ConfigChange {
	var out []ConfigChange
	for _, c := range d.Changes {
		if !c.RequiresRestart {
			out = append(out, c)
		}
	}
	return out
}

// Has 是否存在以 prefix 开头的变更
func (d *ConfigDiff) Has(prefix string) bool {
	for _, c := range d.Changes {
		if c.Path == prefix || strings.HasPrefix(c.Path, prefix+".") || strings.HasPrefix(c.Path, prefix+"[") {
			return true
		}
	}
	return false
}

func deref(v reflect.Value) reflect.Value {
	for v.IsValid() && v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return reflect.Value{}
		}
		v = v.Elem()
	}
	return v
}

func (d *ConfigDiff) compare(oldVal, newVal reflect.Value, path string) {
	oldVal, newVal = deref(oldVal), deref(newVal)

	switch {
	case !oldVal.IsValid() && !newVal.IsValid():
		return
	case oldVal.IsValid() && !newVal.IsValid():
		d.add(path, ChangeTypeDeleted, oldVal.Interface(), nil)
		return
	case !oldVal.IsValid() && newVal.IsValid():
		d.add(path, ChangeTypeAdded, nil, newVal.Interface())
		return
	case oldVal.Type() != newVal.Type():
		d.add(path, ChangeTypeModified, oldVal.Interface(), newVal.Interface())
		return
	}

	switch oldVal.Kind() {
	case reflect.Struct:
		typ := oldVal.Type()
		for i := 0; i < typ.NumField(); i++ {
			field := typ.Field(i)
			name := strings.Split(field.Tag.Get("yaml"), ",")[0]
			if name == "" || name == "-" {
				continue
			}
			if path != "" {
				name = path + "." + name
			}
			d.compare(oldVal.Field(i), newVal.Field(i), name)
		}
	case reflect.Slice, reflect.Array:
		if oldVal.Len() != newVal.Len() {
			d.add(path, ChangeTypeModified, oldVal.Interface(), newVal.Interface())
			return
		}
		for i := 0; i < oldVal.Len(); i++ {
			d.compare(oldVal.Index(i), newVal.Index(i), fmt.Sprintf("%s[%d]", path, i))
		}
	case reflect.Map:
		for _, key := range oldVal.MapKeys() {
			p := fmt.Sprintf("%s.%v", path, key.Interface())
			d.compare(oldVal.MapIndex(key), newVal.MapIndex(key), p)
		}
		for _, key := range newVal.MapKeys() {
			if !oldVal.MapIndex(key).IsValid() {
				d.add(fmt.Sprintf("%s.%v", path, key.Interface()), ChangeTypeAdded, nil, newVal.MapIndex(key).Interface())
			}
		}
	default:
		if !reflect.DeepEqual(oldVal.Interface(), newVal.Interface()) {
			d.add(path, ChangeTypeModified, oldVal.Interface(), newVal.Interface())
		}
	}
}

func (d *ConfigDiff) add(path string, changeType ChangeType, oldValue, newValue interface{}) {
	d.Changes = append(d.Changes, ConfigChange{
		Path:            path,
		Type:            changeType,
		OldValue:        oldValue,
		NewValue:        newValue,
		RequiresRestart: RequiresRestart(path),
	})
}
