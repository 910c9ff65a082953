package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"CsCallerServer/announcer"
	"CsCallerServer/clock"
	"CsCallerServer/detector"
	"CsCallerServer/logger"
	"CsCallerServer/mapper"
	"CsCallerServer/monitor"
	"CsCallerServer/sources"

	"github.com/gin-gonic/gin"
	"gopkg.in/yaml.v3"
)

type configStruct struct {
	AdminPort          int     `yaml:"adminPort"`
	MonitorPort        int     `yaml:"monitorPort"`
	MapsDir            string  `yaml:"mapsDir"`
	MapName            string  `yaml:"mapName"`
	SourceMode         string  `yaml:"sourceMode"`
	Source             string  `yaml:"source"`
	FPS                float64 `yaml:"fps"`
	CooldownSec        float64 `yaml:"cooldownSec"`
	StableFrames       int     `yaml:"stableFrames"`
	MaxFrames          int     `yaml:"maxFrames"`
	TTSBackend         string  `yaml:"ttsBackend"`
	SpeechURL          string  `yaml:"speechURL"`
	NDIProbeTimeoutSec float64 `yaml:"ndiProbeTimeoutSec"`
}

func applyDefaults(cfg *configStruct) {
	if cfg.AdminPort == 0 {
		cfg.AdminPort = 8080
	}
	if cfg.MonitorPort == 0 {
		cfg.MonitorPort = 50053
	}
	if cfg.MapsDir == "" {
		cfg.MapsDir = "config/maps"
	}
	if cfg.MapName == "" {
		cfg.MapName = "de_dust2"
	}
	if cfg.FPS == 0 {
		cfg.FPS = clock.DefaultFPS
	}
	if cfg.CooldownSec == 0 {
		cfg.CooldownSec = announcer.DefaultCooldown.Seconds()
	}
	if cfg.StableFrames == 0 {
		cfg.StableFrames = announcer.DefaultStableFrames
	}
	if cfg.NDIProbeTimeoutSec == 0 {
		cfg.NDIProbeTimeoutSec = sources.DefaultProbeTimeout.Seconds()
	}
}

func main() {
	// 子进程探测模式：必须最先处理，避免拉起整套服务
	if len(os.Args) >= 2 && os.Args[1] == sources.ProbeFlag {
		text := ""
		if len(os.Args) >= 3 {
			text = os.Args[2]
		}
		sources.ProbeWorkerMain(text)
		return
	}

	err := logger.InitProduction()
	if err != nil {
		fmt.Println("Failed to init logger:", err)
		return
	}
	defer logger.Sync()

	fmt.Println(strings.Repeat("#", 64))
	CPUNum := runtime.NumCPU()
	fmt.Printf("CPU Cores: %d\n", CPUNum)

	configData, err := os.ReadFile("config.yaml")
	if err != nil {
		fmt.Println("Failed to read config file:", err)
		return
	}
	config := configStruct{}
	err = yaml.Unmarshal(configData, &config)
	if err != nil {
		fmt.Println("Failed to parse config file:", err)
		return
	}
	applyDefaults(&config)
	fmt.Println(" Admin   Port:", config.AdminPort)
	fmt.Println(" Monitor Port:", config.MonitorPort)
	fmt.Println(" Map:", config.MapName, " FPS:", config.FPS)
	fmt.Println(strings.Repeat("#", 64))

	// fps 提前校验，fail fast
	if _, err := clock.NewFrameClock(config.FPS); err != nil {
		fmt.Println("Invalid config:", err)
		return
	}

	store, err := mapper.NewStore(config.MapsDir)
	if err != nil {
		fmt.Println("Failed to open maps dir:", err)
		return
	}
	mapCfg, err := store.Load(config.MapName)
	if err != nil {
		fmt.Println("Failed to load map config:", err)
		return
	}
	cmap := mapper.NewCalloutMapper(mapCfg.Regions)

	sink, err := announcer.NewSink(config.TTSBackend, config.SpeechURL)
	if err != nil {
		fmt.Println("Invalid config:", err)
		return
	}
	cooldown := time.Duration(config.CooldownSec * float64(time.Second))
	ann, err := announcer.NewAnnouncer(sink, cooldown, config.StableFrames)
	if err != nil {
		fmt.Println("Invalid config:", err)
		return
	}

	det := detector.NewRedDotDetector()
	probeTimeout := time.Duration(config.NDIProbeTimeoutSec * float64(time.Second))
	app := newAppState(det, cmap, ann, store, config.FPS, probeTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.StartMon(config.MonitorPort, ctx)
	go app.runLoop(config.MaxFrames)

	if config.SourceMode != "" {
		app.connectAsync(config.SourceMode, config.Source)
	}

	r := gin.Default()
	app.registerRoutes(r)
	if err := r.Run(adminAddr(config.AdminPort)); err != nil {
		fmt.Println("Admin server exited:", err)
	}
}
