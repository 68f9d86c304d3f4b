package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"position-guard-go/config"
	"position-guard-go/gateway"
)

func main() {
	cfgPath := flag.String("config", "", "YAML 配置文件路径")
	envFile := flag.String("env", ".env", ".env 文件路径")
	symbol := flag.String("symbol", "BTCUSDT", "查询的合约符号（BTCUSDT 或 BTC/USDT:USDT）")
	flag.Parse()

	cfg, err := config.LoadWithEnvOverrides(*cfgPath, *envFile)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	cfg.Loop.DryRun = false
	if err := config.RequireCredentials(cfg); err != nil {
		log.Fatalf("%v", err)
	}

	httpClient, err := gateway.NewHTTPClient(cfg.Gateway.ProxyURL)
	if err != nil {
		log.Fatalf("%v", err)
	}
	client := &gateway.BybitRESTClient{
		BaseURL:      cfg.Gateway.BaseURL,
		APIKey:       cfg.Gateway.APIKey,
		Secret:       cfg.Gateway.APISecret,
		HTTPClient:   httpClient,
		RecvWindowMs: cfg.Gateway.RecvWindowMs,
		Category:     cfg.Gateway.Category,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	id := gateway.NormalizeSymbol(*symbol)
	resp, err := client.GetLiveProtectiveState(ctx, id)
	if err == nil {
		err = gateway.CheckResponse(resp)
	}
	if err != nil {
		log.Fatalf("查询持仓失败: %v", err)
	}
	open := 0
	for _, p := range resp.List {
		if !p.Open() {
			continue
		}
		open++
		fmt.Printf("%s side=%s size=%s entry=%s sl=%s tp=%s trailing=%s idx=%d\n",
			p.Symbol, p.Side, num(p.Size), num(p.AvgPrice), num(p.StopLoss), num(p.TakeProfit), num(p.TrailingStop), p.PositionIdx)
	}
	if open == 0 {
		fmt.Printf("未找到 %s 的持仓记录\n", id)
	}
}

func num(v float64) string {
	if v == 0 {
		return "-"
	}
	return fmt.Sprintf("%g", v)
}
