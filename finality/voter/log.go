package voter

import "github.com/sirupsen/logrus"

var log = logrus.WithField("prefix", "voter")
