package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"
	"runtime"
	"runtime/pprof"
	"strings"

	"github.com/tarstars/fixed_forest/ffl"
	"gonum.org/v1/gonum/mat"
)

func decodeConfig(srcConfig string, out interface{}) {
	file, err := os.Open(srcConfig)
	ffl.HandleError(err)
	defer func() { ffl.HandleError(file.Close()) }()

	decoder := json.NewDecoder(file)
	ffl.HandleError(decoder.Decode(out))
}

func readFeatures(fileName string) *mat.Dense {
	if strings.HasSuffix(fileName, ".csv") {
		return ffl.ReadCSVMatrix(fileName)
	}
	return ffl.ReadNpy(fileName)
}

type QuantizeConfig struct {
	FileNameModel      string           `json:"filename_model"`
	FileNameQuantModel string           `json:"filename_quant_model"`
	Schemes            ffl.QuantSchemes `json:"schemes"`
	ThresholdScale     float64          `json:"threshold_scale"`
	ScoreScale         float64          `json:"score_scale"`
	ThreadsNum         int              `json:"threads_num"`
}

func quantize(srcConfig string) {
	var quantizeConfig QuantizeConfig
	decodeConfig(srcConfig, &quantizeConfig)

	forest := ffl.LoadForest(quantizeConfig.FileNameModel)

	if quantizeConfig.ThresholdScale != 0 || quantizeConfig.ScoreScale != 0 {
		thresholdScale, scoreScale := quantizeConfig.ThresholdScale, quantizeConfig.ScoreScale
		if thresholdScale == 0 {
			thresholdScale = 1
		}
		if scoreScale == 0 {
			scoreScale = 1
		}
		forest = ffl.Rescale(forest, thresholdScale, scoreScale)
	}

	report := ffl.Report(forest, quantizeConfig.Schemes)
	log.Printf("thresholds in [%g, %g], representable [%g, %g]",
		report.ThresholdMin, report.ThresholdMax, report.ThresholdLo, report.ThresholdHi)
	log.Printf("scores in [%g, %g], representable [%g, %g]",
		report.ScoreMin, report.ScoreMax, report.ScoreLo, report.ScoreHi)
	if !report.Covers() {
		log.Print("warning: model values exceed the representable range, saturation will clamp them")
	}

	threadsNum := quantizeConfig.ThreadsNum
	if threadsNum == 0 {
		threadsNum = 1
	}
	quantForest, err := ffl.QuantizeForest(forest, quantizeConfig.Schemes, threadsNum)
	ffl.HandleError(err)

	quantForest.Save(quantizeConfig.FileNameQuantModel)
}

type PredictConfig struct {
	FileNameQuantModel string           `json:"filename_quant_model"`
	FileNameFeatures   string           `json:"filename_features"`
	FileNameOutput     string           `json:"filename_output"`
	Device             ffl.DeviceConfig `json:"device"`
}

func predict(srcConfig string) {
	var predictConfig PredictConfig
	decodeConfig(srcConfig, &predictConfig)

	quantForest := ffl.LoadQuantForest(predictConfig.FileNameQuantModel)
	features := readFeatures(predictConfig.FileNameFeatures)

	deviceConfig := predictConfig.Device
	deviceConfig.Schemes = quantForest.Schemes
	target := ffl.NewEmulatedTarget(deviceConfig)

	model, err := ffl.Compile(&quantForest, target.Describe())
	ffl.HandleError(err)
	for engine, load := range model.EngineLoad() {
		log.Printf("engine %d: %d/%d nodes", engine, load, deviceConfig.NodeCapacity)
	}

	session, err := ffl.NewSession(target, model)
	ffl.HandleError(err)
	ffl.HandleError(session.Configure(ffl.Height(features)))
	ffl.HandleError(session.Dispatch(features))
	ffl.HandleError(session.AwaitCompletion())
	prediction, err := session.ReadOutputs()
	ffl.HandleError(err)

	ffl.WriteNpy(predictConfig.FileNameOutput, prediction)
}

type EmulateConfig struct {
	FileNameModel    string `json:"filename_model"`
	FileNameFeatures string `json:"filename_features"`
	FileNameOutput   string `json:"filename_output"`
}

func emulate(srcConfig string) {
	var emulateConfig EmulateConfig
	decodeConfig(srcConfig, &emulateConfig)

	forest := ffl.LoadForest(emulateConfig.FileNameModel)
	features := readFeatures(emulateConfig.FileNameFeatures)

	prediction, err := forest.DecisionFunction(features)
	ffl.HandleError(err)

	ffl.WriteNpy(emulateConfig.FileNameOutput, prediction)
}

type GraphConfig struct {
	FileNameModel     string `json:"filename_model"`
	FigureType        string `json:"figure_type"`
	PicturesDirectory string `json:"pictures_directory"`
	DumpPrefix        string `json:"dump_prefix"`
}

func graph(srcConfig string) {
	var graphConfig GraphConfig
	decodeConfig(srcConfig, &graphConfig)

	forest := ffl.LoadForest(graphConfig.FileNameModel)
	forest.RenderTrees(graphConfig.DumpPrefix, graphConfig.FigureType, graphConfig.PicturesDirectory)
}

func main() {
	runMode := flag.String("mode", "predict", "you can select either 'quantize', 'predict', 'emulate' or 'graph' modes")
	config := flag.String("config", "fixed_forest_config.json", "a config file for the run of the program")
	memprofile := flag.String("memprofile", "", "write memory profile to `file`")

	flag.Parse()

	map[string]func(string){
		"quantize": quantize,
		"predict":  predict,
		"emulate":  emulate,
		"graph":    graph,
	}[*runMode](*config)

	if *memprofile != "" {
		f, err := os.Create(*memprofile)
		ffl.HandleError(err)
		defer func() { ffl.HandleError(f.Close()) }()
		runtime.GC()
		if err := pprof.WriteHeapProfile(f); err != nil {
			log.Fatal("could not write memory profile: ", err)
		}
	}
}
