package main

import (
	"fmt"
	"log"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/viper"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/kampeynco/thank-donors-mvp-sub000/internal/db"
	"github.com/kampeynco/thank-donors-mvp-sub000/internal/handler"
	"github.com/kampeynco/thank-donors-mvp-sub000/internal/middleware"
	"github.com/kampeynco/thank-donors-mvp-sub000/internal/services"
)

type Config struct {
	MySQL struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		DBName   string `mapstructure:"dbname"`
	} `mapstructure:"mysql"`
	Lob struct {
		APIKey      string `mapstructure:"api_key"`
		BaseURL     string `mapstructure:"base_url"`      // 留空用官方地址
		MaxRetries  int    `mapstructure:"max_retries"`   // 额外重试次数，默认 3
		BaseDelayMS int    `mapstructure:"base_delay_ms"` // 退避基础间隔（毫秒），默认 1000
	} `mapstructure:"lob"`
	App struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"app"`
}

func main() {
	// 读取配置
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err != nil {
		log.Fatal("读取配置失败:", err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		log.Fatal("解析配置失败:", err)
	}

	// 连接 MySQL 并初始化 DB
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		cfg.MySQL.User, cfg.MySQL.Password, cfg.MySQL.Host, cfg.MySQL.Port, cfg.MySQL.DBName)
	dbConn, err := gorm.Open(mysql.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		log.Fatal("MySQL 连接失败:", err)
	}

	// 运行表结构迁移（创建新表或更新表结构）
	if err := db.AutoMigrate(dbConn); err != nil {
		log.Fatal("表迁移失败:", err)
	}
	db.DB = dbConn
	fmt.Println("数据库初始化完成")

	// 初始化 Lob 客户端
	maxRetries := cfg.Lob.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	baseDelay := time.Duration(cfg.Lob.BaseDelayMS) * time.Millisecond
	if baseDelay == 0 {
		baseDelay = time.Second
	}
	services.InitLob(cfg.Lob.APIKey, cfg.Lob.BaseURL, maxRetries, baseDelay)

	// 初始化 Gin
	handler.InitStartTime()
	r := gin.Default()
	r.Use(middleware.RequestID())
	handler.RegisterRoutes(r)

	// 启动服务器
	port := fmt.Sprintf(":%d", cfg.App.Port)
	fmt.Printf("服务器启动于端口 %s\n", port)
	if err := r.Run(port); err != nil {
		log.Fatal("Gin 服务器启动失败:", err)
	}
}
