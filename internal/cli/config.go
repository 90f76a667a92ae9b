package cli

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/mnemo-oss/mnemo/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and edit mnemo.yaml",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets redacted",
	RunE:  runConfigShow,
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one effective value, e.g. memory.debounce_delay",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigGet,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a value in the config file, keeping its comments",
	Args:  cobra.ExactArgs(2),
	RunE:  runConfigSet,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the config file and tools/ definitions",
	RunE:  runConfigValidate,
}

func init() {
	configCmd.AddCommand(configShowCmd, configGetCmd, configSetCmd, configValidateCmd)
}

// redacted returns the effective config as a generic YAML tree with
// secrets masked.
func redacted(cfg *config.Config) (map[string]interface{}, error) {
	cp := *cfg
	cp.Model.APIKey = redact(cfg.Model.APIKey)
	cp.Store.EmbeddingAPIKey = redact(cfg.Store.EmbeddingAPIKey)
	cp.Redis.Password = redact(cfg.Redis.Password)

	raw, err := yaml.Marshal(&cp)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	var tree map[string]interface{}
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return nil, err
	}
	return tree, nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	tree, err := redacted(cfg)
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(tree)
	if err != nil {
		return err
	}
	if f := viper.ConfigFileUsed(); f != "" {
		fmt.Printf("# %s\n", f)
	}
	fmt.Print(string(out))
	return nil
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	tree, err := redacted(cfg)
	if err != nil {
		return err
	}

	var cur interface{} = tree
	for _, part := range strings.Split(args[0], ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return fmt.Errorf("unknown key: %s", args[0])
		}
		if cur, ok = m[part]; !ok {
			return fmt.Errorf("unknown key: %s", args[0])
		}
	}

	if _, scalar := cur.(map[string]interface{}); !scalar {
		if _, list := cur.([]interface{}); !list {
			fmt.Println(cur)
			return nil
		}
	}
	out, err := yaml.Marshal(cur)
	if err != nil {
		return err
	}
	fmt.Print(string(out))
	return nil
}

func redact(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "***"
	}
	return "***" + secret[len(secret)-4:]
}

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if f := viper.ConfigFileUsed(); f != "" {
		return f
	}
	return config.FileName
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]
	path := configPath()

	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	out, err := setYAMLValue(content, key, value)
	if err != nil {
		return err
	}

	// Refuse to write a file that would no longer load.
	parsed, err := config.Parse(out)
	if err != nil {
		return err
	}
	if err := config.Validate(parsed); err != nil {
		return fmt.Errorf("refusing to set %s: %w", key, err)
	}

	if err := os.WriteFile(path, out, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	fmt.Printf("Set %s = %s in %s\n", key, value, path)
	return nil
}

// setYAMLValue sets a dotted key in a YAML document, creating mappings as
// needed. Comments and key order elsewhere in the document are kept. The
// value is parsed as YAML so numbers and booleans keep their type.
func setYAMLValue(content []byte, key, value string) ([]byte, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if doc.Kind == 0 {
		doc = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode}}}
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("config root is not a mapping")
	}

	var val yaml.Node
	if err := yaml.Unmarshal([]byte(value), &val); err != nil || len(val.Content) == 0 || val.Content[0].Kind != yaml.ScalarNode {
		val = yaml.Node{Content: []*yaml.Node{{Kind: yaml.ScalarNode, Value: value}}}
	}

	parts := strings.Split(key, ".")
	cur := root
	for i, part := range parts {
		if part == "" {
			return nil, fmt.Errorf("invalid key: %s", key)
		}
		var next *yaml.Node
		for j := 0; j+1 < len(cur.Content); j += 2 {
			if cur.Content[j].Value == part {
				next = cur.Content[j+1]
				break
			}
		}
		last := i == len(parts)-1
		if next == nil {
			next = &yaml.Node{Kind: yaml.MappingNode}
			if last {
				next = val.Content[0]
			}
			cur.Content = append(cur.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: part}, next)
		} else if last {
			*next = *val.Content[0]
		}
		if !last && next.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("%s is not a mapping", strings.Join(parts[:i+1], "."))
		}
		cur = next
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return nil, err
	}
	return buf.Bytes(), enc.Close()
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	var problems []string
	path := configPath()

	cfg, err := config.LoadFile(path)
	if err == nil {
		err = config.Validate(cfg)
	}
	if err != nil {
		problems = append(problems, fmt.Sprintf("%s: %v", path, err))
	} else {
		fmt.Printf("%s: OK\n", path)
		for _, mt := range cfg.Memory.Types {
			fmt.Printf("  memory type %-12s %s\n", mt.Name, mt.UpdateMode)
		}
		if len(cfg.Memory.Types) == 0 {
			fmt.Println("  no memory types: extraction is a no-op")
		}
	}

	names, err := config.LoadToolList()
	if err != nil {
		problems = append(problems, fmt.Sprintf("tools/: %v", err))
	}
	for _, name := range names {
		if _, err := config.LoadTool(name); err != nil {
			problems = append(problems, fmt.Sprintf("tools/%s: %v", name, err))
		} else {
			fmt.Printf("tools/%s: OK\n", name)
		}
	}

	if len(problems) > 0 {
		fmt.Println("\nValidation errors:")
		for _, p := range problems {
			fmt.Printf("  - %s\n", p)
		}
		return fmt.Errorf("validation failed with %d errors", len(problems))
	}
	fmt.Println("\nAll configuration valid.")
	return nil
}
