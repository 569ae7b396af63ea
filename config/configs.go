package config

import (
	"encoding/xml"
	"fmt"
	"os"
)

var MainRouter string
var Dbname string
var Download string
var MainConfig Config

type Config struct {
	XMLName    xml.Name `xml:"config"`
	MainRouter string   `xml:"MainRouter"`
	Dbname     string   `xml:"dbname"`
	Download   string   `xml:"download"`
}

func init() {
	// 默认配置，config.xml不存在时直接使用
	MainConfig.MainRouter = "127.0.0.1:8426"
	MainConfig.Dbname = "layer.db"
	MainConfig.Download = "./Download"

	xmlFile, err := os.Open("config.xml")
	if err == nil {
		defer xmlFile.Close()
		xmlDecoder := xml.NewDecoder(xmlFile)
		err = xmlDecoder.Decode(&MainConfig)
		if err != nil {
			fmt.Println("Error  decoding  XML:", err)
		}
	}
	MainRouter = MainConfig.MainRouter
	Dbname = MainConfig.Dbname
	Download = MainConfig.Download
}
