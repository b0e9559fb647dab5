package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/iedon/assetpipe/assets"
)

// PathsConfig declares the input pattern of every asset class and the output directories.
// Patterns are doublestar globs relative to Root.
type PathsConfig struct {
	Root        string `json:"root" yaml:"root"`
	OutputDir   string `json:"outputDir" yaml:"outputDir"`
	Pages       string `json:"pages" yaml:"pages"`
	Layouts     string `json:"layouts" yaml:"layouts"`
	Partials    string `json:"partials" yaml:"partials"`
	Helpers     string `json:"helpers" yaml:"helpers"`
	Decorators  string `json:"decorators" yaml:"decorators"`
	Data        string `json:"data" yaml:"data"`
	Styles      string `json:"styles" yaml:"styles"`
	PlainStyles string `json:"plainStyles" yaml:"plainStyles"`
	Scripts     string `json:"scripts" yaml:"scripts"`
	Images      string `json:"images" yaml:"images"`
	Assets      string `json:"assets" yaml:"assets"`
	StylesOut   string `json:"stylesOut" yaml:"stylesOut"`
	ScriptsOut  string `json:"scriptsOut" yaml:"scriptsOut"`
	ImagesOut   string `json:"imagesOut" yaml:"imagesOut"`
	AssetsOut   string `json:"assetsOut" yaml:"assetsOut"`
}

// HTMLConfig controls post-process minification of rendered pages.
type HTMLConfig struct {
	Minify              bool `json:"minify" yaml:"minify"`
	KeepComments        bool `json:"keepComments" yaml:"keepComments"`
	KeepWhitespace      bool `json:"keepWhitespace" yaml:"keepWhitespace"`
	KeepQuotes          bool `json:"keepQuotes" yaml:"keepQuotes"`
	KeepEndTags         bool `json:"keepEndTags" yaml:"keepEndTags"`
	KeepDocumentTags    bool `json:"keepDocumentTags" yaml:"keepDocumentTags"`
	KeepDefaultAttrVals bool `json:"keepDefaultAttrVals" yaml:"keepDefaultAttrVals"`
}

// StyleConfig configures the external sass compiler and CSS minification.
type StyleConfig struct {
	SassBinary     string   `json:"sassBinary" yaml:"sassBinary"`
	LoadPaths      []string `json:"loadPaths" yaml:"loadPaths"`
	OutputStyle    string   `json:"outputStyle" yaml:"outputStyle"`
	CommandTimeout int      `json:"commandTimeoutSec" yaml:"commandTimeoutSec"`
	Precision      int      `json:"precision" yaml:"precision"`
}

// ScriptConfig configures JS minification.
type ScriptConfig struct {
	Precision    int  `json:"precision" yaml:"precision"`
	KeepVarNames bool `json:"keepVarNames" yaml:"keepVarNames"`
}

// ImageConfig configures raster re-encoding and SVG minification.
type ImageConfig struct {
	JPEGQuality    int    `json:"jpegQuality" yaml:"jpegQuality"`
	PNGCompression string `json:"pngCompression" yaml:"pngCompression"`
	SVGPrecision   int    `json:"svgPrecision" yaml:"svgPrecision"`
}

// SizeConfig controls the per-file and per-stage size report.
type SizeConfig struct {
	ShowFiles bool `json:"showFiles" yaml:"showFiles"`
	ShowTotal bool `json:"showTotal" yaml:"showTotal"`
	Pretty    bool `json:"pretty" yaml:"pretty"`
	Gzip      bool `json:"gzip" yaml:"gzip"`
}

// ServerConfig configures the development server.
type ServerConfig struct {
	Listen            string `json:"listen" yaml:"listen"`
	LiveReload        bool   `json:"liveReload" yaml:"liveReload"`
	ReloadDebounceMs  int    `json:"reloadDebounceMs" yaml:"reloadDebounceMs"`
	NoCache           bool   `json:"noCache" yaml:"noCache"`
	Metrics           bool   `json:"metrics" yaml:"metrics"`
	HeartbeatInterval int    `json:"heartbeatSec" yaml:"heartbeatSec"`
}

// Config encapsulates build and serve options.
type Config struct {
	Paths          PathsConfig   `json:"paths" yaml:"paths"`
	HTML           HTMLConfig    `json:"html" yaml:"html"`
	Style          StyleConfig   `json:"style" yaml:"style"`
	Script         ScriptConfig  `json:"script" yaml:"script"`
	Image          ImageConfig   `json:"image" yaml:"image"`
	Size           SizeConfig    `json:"size" yaml:"size"`
	Server         ServerConfig  `json:"server" yaml:"server"`
	LogLevel       string        `json:"logLevel" yaml:"logLevel"`
	ReloadDebounce time.Duration `json:"-" yaml:"-"`
	SassTimeout    time.Duration `json:"-" yaml:"-"`
}

// Environment variables overriding file settings.
const (
	EnvListen    = "ASSETPIPE_LISTEN"
	EnvLogLevel  = "ASSETPIPE_LOG_LEVEL"
	EnvOutputDir = "ASSETPIPE_OUTPUT_DIR"
)

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Paths: PathsConfig{
			Root:        ".",
			OutputDir:   "dist",
			Pages:       "src/templates/pages/**/*.{tmpl,md}",
			Layouts:     "src/templates/layouts/**/*.tmpl",
			Partials:    "src/templates/partials/**/*.tmpl",
			Helpers:     "src/helpers/**/*.star",
			Decorators:  "src/decorators/**/*.star",
			Data:        "src/data/*.{json,yaml,yml}",
			Styles:      "src/assets/css/**/*.scss",
			PlainStyles: "src/assets/css/**/*.css",
			Scripts:     "src/assets/js/**/*.js",
			Images:      "src/assets/img/**/*.{png,jpg,jpeg,gif,svg,webp}",
			Assets:      "src/assets/**/*",
			StylesOut:   "assets/css",
			ScriptsOut:  "assets/js",
			ImagesOut:   "assets/img",
			AssetsOut:   "assets",
		},
		HTML: HTMLConfig{
			Minify:           true,
			KeepDocumentTags: true,
		},
		Style: StyleConfig{
			SassBinary:     "sass",
			OutputStyle:    "expanded",
			CommandTimeout: 60,
		},
		Image: ImageConfig{
			JPEGQuality:    82,
			PNGCompression: "best",
		},
		Size: SizeConfig{
			ShowFiles: true,
			ShowTotal: true,
			Pretty:    true,
			Gzip:      true,
		},
		Server: ServerConfig{
			Listen:            "127.0.0.1:3000",
			LiveReload:        true,
			ReloadDebounceMs:  100,
			NoCache:           true,
			Metrics:           true,
			HeartbeatInterval: 30,
		},
		LogLevel: "info",
	}
}

// Load reads configuration from disk and applies defaults. JSON is the
// default format; .yaml and .yml files are decoded as YAML. A .env file in
// the working directory is loaded first so ASSETPIPE_* variables can
// override file settings.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	file, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	raw, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	default:
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	return cfg.finish()
}

// LoadOrDefault behaves like Load but falls back to Default when path does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	return Default().finish()
}

func (c *Config) finish() (*Config, error) {
	c.applyEnv()
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func loadDotEnv(name string) error {
	if _, err := os.Stat(name); err != nil {
		return nil
	}
	if err := godotenv.Load(name); err != nil {
		return fmt.Errorf("load %s: %w", name, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvListen)); v != "" {
		c.Server.Listen = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		c.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvOutputDir)); v != "" {
		c.Paths.OutputDir = v
	}
}

func (c *Config) applyDefaults() {
	def := Default()
	p := &c.Paths
	fill := func(dst *string, fallback string) {
		*dst = strings.TrimSpace(*dst)
		if *dst == "" {
			*dst = fallback
		}
	}
	fill(&p.Root, def.Paths.Root)
	fill(&p.OutputDir, def.Paths.OutputDir)
	fill(&p.Pages, def.Paths.Pages)
	fill(&p.Layouts, def.Paths.Layouts)
	fill(&p.Partials, def.Paths.Partials)
	fill(&p.Helpers, def.Paths.Helpers)
	fill(&p.Decorators, def.Paths.Decorators)
	fill(&p.Data, def.Paths.Data)
	fill(&p.Styles, def.Paths.Styles)
	fill(&p.PlainStyles, def.Paths.PlainStyles)
	fill(&p.Scripts, def.Paths.Scripts)
	fill(&p.Images, def.Paths.Images)
	fill(&p.Assets, def.Paths.Assets)
	fill(&p.StylesOut, def.Paths.StylesOut)
	fill(&p.ScriptsOut, def.Paths.ScriptsOut)
	fill(&p.ImagesOut, def.Paths.ImagesOut)
	fill(&p.AssetsOut, def.Paths.AssetsOut)

	fill(&c.Style.SassBinary, def.Style.SassBinary)
	fill(&c.Style.OutputStyle, def.Style.OutputStyle)
	if c.Style.CommandTimeout <= 0 {
		c.Style.CommandTimeout = def.Style.CommandTimeout
	}
	if c.Image.JPEGQuality <= 0 {
		c.Image.JPEGQuality = def.Image.JPEGQuality
	}
	fill(&c.Image.PNGCompression, def.Image.PNGCompression)
	c.Image.PNGCompression = strings.ToLower(c.Image.PNGCompression)

	fill(&c.Server.Listen, def.Server.Listen)
	if c.Server.ReloadDebounceMs <= 0 {
		c.Server.ReloadDebounceMs = def.Server.ReloadDebounceMs
	}
	if c.Server.HeartbeatInterval <= 0 {
		c.Server.HeartbeatInterval = def.Server.HeartbeatInterval
	}
	fill(&c.LogLevel, def.LogLevel)

	c.ReloadDebounce = time.Duration(c.Server.ReloadDebounceMs) * time.Millisecond
	c.SassTimeout = time.Duration(c.Style.CommandTimeout) * time.Second
}

func (c *Config) validate() error {
	if c.Image.JPEGQuality > 100 {
		return fmt.Errorf("jpegQuality must be between 1 and 100")
	}
	switch c.Image.PNGCompression {
	case "default", "none", "speed", "best":
	default:
		return fmt.Errorf("invalid pngCompression %q", c.Image.PNGCompression)
	}
	switch c.Style.OutputStyle {
	case "expanded", "compressed":
	default:
		return fmt.Errorf("invalid sass outputStyle %q", c.Style.OutputStyle)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logLevel %q", c.LogLevel)
	}
	if !strings.HasPrefix(c.Server.Listen, "unix:") {
		if _, _, err := net.SplitHostPort(c.Server.Listen); err != nil {
			return fmt.Errorf("invalid listen address %q: %w", c.Server.Listen, err)
		}
	}
	if _, err := c.PathSet(); err != nil {
		return err
	}
	return nil
}

// PathSet builds the asset class rules described by the configuration.
func (c *Config) PathSet() (*assets.PathSet, error) {
	p := c.Paths
	dist := p.OutputDir
	if !filepath.IsAbs(dist) {
		dist = filepath.Join(p.Root, dist)
	}
	rules := []assets.Rule{
		{Class: assets.Page, Pattern: p.Pages, Mode: assets.Mirror, Ext: ".html", Emit: true, Required: true},
		{Class: assets.Layout, Pattern: p.Layouts},
		{Class: assets.Partial, Pattern: p.Partials},
		{Class: assets.Helper, Pattern: p.Helpers},
		{Class: assets.Decorator, Pattern: p.Decorators},
		{Class: assets.DataUnit, Pattern: p.Data},
		{Class: assets.Style, Pattern: p.Styles, OutDir: p.StylesOut, Mode: assets.Flat, Ext: ".css", Emit: true},
		{Class: assets.PlainStyle, Pattern: p.PlainStyles, OutDir: p.StylesOut, Mode: assets.Flat, Emit: true},
		{Class: assets.Script, Pattern: p.Scripts, OutDir: p.ScriptsOut, Mode: assets.Flat, Emit: true},
		{Class: assets.Image, Pattern: p.Images, OutDir: p.ImagesOut, Mode: assets.Mirror, Emit: true},
		{Class: assets.GenericAsset, Pattern: p.Assets, OutDir: p.AssetsOut, Mode: assets.Mirror, Emit: true},
	}
	ps, err := assets.New(p.Root, dist, rules)
	if err != nil {
		return nil, fmt.Errorf("paths: %w", err)
	}
	return ps, nil
}
