package main

//go:generate swag init -g cmd/settlementd/main.go -o docs

// @title           Settlement Reconciler API
// @version         0.1.0
// @description     Settlement record inspection, reconciliation scans and execution controls.
// @host            localhost:8080
// @BasePath        /
// @schemes         http
