package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"bandwatch/internal/app"
)

var (
	simulateSeries   string
	simulatePoints   int
	simulateBaseline float64
	simulateSpike    float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-anomaly",
	Short: "生成一段带尖峰的合成序列并触发告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateSeries == "" {
			return errors.New("--series 不能为空")
		}
		if simulateSpike == 0 {
			return errors.New("--spike 不能为 0")
		}

		opts := app.SimulateOptions{
			SeriesID: simulateSeries,
			Points:   simulatePoints,
			Baseline: simulateBaseline,
			Spike:    simulateSpike,
		}
		return getApp().SimulateAnomaly(cmd.Context(), opts)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateSeries, "series", "simulated", "合成序列标识")
	simulateCmd.Flags().IntVar(&simulatePoints, "points", 24*7, "小时级样本数量")
	simulateCmd.Flags().Float64Var(&simulateBaseline, "baseline", 100, "基线均值")
	simulateCmd.Flags().Float64Var(&simulateSpike, "spike", 50, "叠加在倒数第三个样本上的偏移")
}
