package sample

import (
	"github.com/ZenLiuCN/hotmod/abi"
	"github.com/ZenLiuCN/hotmod/bridge"
	"github.com/ZenLiuCN/hotmod/module"
)

var sdk = module.New()

var Module abi.Internal = sdk

func init() {
	bridge.Export1(sdk.Table(), "double", func(v int) int { return v * 2 })
	sdk.Main(func() {})
}
